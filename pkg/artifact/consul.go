// pkg/artifact/consul.go
//
// Publishes rendered agent configurations to Consul KV so other tooling can
// see what a node was bootstrapped with. Rendered text carries only secret
// placeholders, never credential values.

package artifact

import (
	"context"
	"path"
	"strings"

	"github.com/CodeMonkeyCybersecurity/runnerforge/pkg/telemetry"
	cerr "github.com/cockroachdb/errors"
	"github.com/hashicorp/consul/api"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const DefaultKeyPrefix = "runnerforge"

// Published describes what ended up in the store.
type Published struct {
	ConfigKey string
	DigestKey string
	Digest    string
	Unchanged bool
}

type ConsulPublisher struct {
	kv     *api.KV
	prefix string
}

// NewConsulPublisher connects to address, or to CONSUL_HTTP_ADDR and the other
// standard Consul environment variables when address is empty.
func NewConsulPublisher(address, prefix string) (*ConsulPublisher, error) {
	cfg := api.DefaultConfig()
	if address != "" {
		cfg.Address = address
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, cerr.Wrap(err, "failed to create consul client")
	}
	return NewConsulPublisherFromClient(client, prefix), nil
}

func NewConsulPublisherFromClient(client *api.Client, prefix string) *ConsulPublisher {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &ConsulPublisher{kv: client.KV(), prefix: prefix}
}

func (p *ConsulPublisher) keys(name string) (string, string, error) {
	name = strings.Trim(name, "/")
	if name == "" || strings.Contains(name, "..") {
		return "", "", cerr.Newf("invalid artifact name %q", name)
	}
	base := path.Join(p.prefix, name)
	return base + "/config.toml", base + "/digest", nil
}

// CurrentDigest returns the stored digest for name, or "" when nothing has
// been published yet.
func (p *ConsulPublisher) CurrentDigest(ctx context.Context, name string) (string, error) {
	_, digestKey, err := p.keys(name)
	if err != nil {
		return "", err
	}
	pair, _, err := p.kv.Get(digestKey, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return "", cerr.Wrapf(err, "read %s", digestKey)
	}
	if pair == nil {
		return "", nil
	}
	return string(pair.Value), nil
}

// Publish stores text and digest. When the stored digest already matches,
// nothing is written. The digest is written last so readers that see it can
// trust the config key.
func (p *ConsulPublisher) Publish(ctx context.Context, name, text, digest string) (*Published, error) {
	ctx, span := telemetry.Start(ctx, "artifact.Publish", attribute.String("name", name))
	defer span.End()
	logger := otelzap.Ctx(ctx)

	configKey, digestKey, err := p.keys(name)
	if err != nil {
		return nil, err
	}
	out := &Published{ConfigKey: configKey, DigestKey: digestKey, Digest: digest}

	current, err := p.CurrentDigest(ctx, name)
	if err != nil {
		return nil, err
	}
	if current == digest {
		logger.Info("Published configuration is current", zap.String("key", configKey), zap.String("digest", digest))
		out.Unchanged = true
		return out, nil
	}

	wopts := (&api.WriteOptions{}).WithContext(ctx)
	if _, err := p.kv.Put(&api.KVPair{Key: configKey, Value: []byte(text)}, wopts); err != nil {
		span.RecordError(err)
		return nil, cerr.WithHint(cerr.Wrapf(err, "write %s", configKey), "check publish.consul_address and the ACL token in CONSUL_HTTP_TOKEN")
	}
	if _, err := p.kv.Put(&api.KVPair{Key: digestKey, Value: []byte(digest)}, wopts); err != nil {
		span.RecordError(err)
		return nil, cerr.Wrapf(err, "write %s", digestKey)
	}

	logger.Info("Published configuration",
		zap.String("key", configKey),
		zap.String("digest", digest),
		zap.String("previous_digest", current))
	return out, nil
}
