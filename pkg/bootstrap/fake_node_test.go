package bootstrap

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

type fakeFile struct {
	content string
	mode    os.FileMode
}

type commandCall struct {
	command string
	env     map[string]string
}

// fakeNode is an in-memory node. Installing and enabling are idempotent, as
// on a real node; commands are answered by the handler.
type fakeNode struct {
	mu       sync.Mutex
	packages map[string]string
	files    map[string]fakeFile
	services map[string]bool
	calls    []commandCall
	handler  func(command string, env map[string]string) (string, error)
	failOn   map[string]error
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		packages: map[string]string{},
		files:    map[string]fakeFile{},
		services: map[string]bool{},
		failOn:   map[string]error{},
	}
}

func (n *fakeNode) InstallPackage(_ context.Context, name, source string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.failOn["install "+name]; err != nil {
		return err
	}
	if _, ok := n.packages[name]; ok {
		return nil
	}
	if source != "" {
		if _, ok := n.files[source]; !ok {
			return fmt.Errorf("package file %s missing", source)
		}
	}
	n.packages[name] = source
	return nil
}

func (n *fakeNode) WriteFile(_ context.Context, path string, content []byte, mode os.FileMode) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.files[path] = fakeFile{content: string(content), mode: mode}
	return nil
}

func (n *fakeNode) RunCommand(_ context.Context, command string, env map[string]string) (string, error) {
	n.mu.Lock()
	copied := map[string]string{}
	for k, v := range env {
		copied[k] = v
	}
	n.calls = append(n.calls, commandCall{command: command, env: copied})
	handler := n.handler
	n.mu.Unlock()

	if handler != nil {
		if out, err := handler(command, env); err != nil {
			return out, err
		}
	}
	if strings.HasPrefix(command, "curl ") {
		fields := strings.Fields(command)
		out := strings.Trim(fields[len(fields)-1], "'")
		return "", n.WriteFile(context.Background(), out, []byte("rpm"), 0o644)
	}
	return "", nil
}

func (n *fakeNode) EnableService(_ context.Context, name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.failOn["enable "+name]; err != nil {
		return err
	}
	n.services[name] = true
	return nil
}

// state is the comparable end state of the node.
func (n *fakeNode) state() (map[string]string, map[string]fakeFile, map[string]bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := map[string]string{}
	for k, v := range n.packages {
		p[k] = v
	}
	f := map[string]fakeFile{}
	for k, v := range n.files {
		f[k] = v
	}
	s := map[string]bool{}
	for k, v := range n.services {
		s[k] = v
	}
	return p, f, s
}
