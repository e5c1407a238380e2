package local

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Registry is the on-disk service directory the substrate daemon keeps
// under one root: nodes/<id>.json and services/<id>.json descriptor
// files, guarded by a shared flock so readers never observe a half
// written descriptor.
type Registry struct {
	root string
	lock *os.File
}

func OpenRegistry(root string) (*Registry, error) {
	for _, dir := range []string{root, filepath.Join(root, "nodes"), filepath.Join(root, "services")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create registry dir %s: %w", dir, err)
		}
	}
	lock, err := os.OpenFile(filepath.Join(root, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open registry lock: %w", err)
	}
	return &Registry{root: root, lock: lock}, nil
}

func (r *Registry) Root() string { return r.root }

func (r *Registry) Close() error {
	if r.lock == nil {
		return nil
	}
	err := r.lock.Close()
	r.lock = nil
	return err
}

// ListNodes returns the registered nodes plus the count of descriptor
// files that could not be parsed.
func (r *Registry) ListNodes() ([]NodeInfo, int, error) {
	if err := r.flock(unix.LOCK_SH); err != nil {
		return nil, 0, err
	}
	defer r.unlock()

	var nodes []NodeInfo
	skipped := 0
	err := eachDescriptor(filepath.Join(r.root, "nodes"), func(raw []byte) {
		var node NodeInfo
		if json.Unmarshal(raw, &node) != nil || node.Name == "" {
			skipped++
			return
		}
		nodes = append(nodes, node)
	})
	if err != nil {
		return nil, 0, err
	}
	return nodes, skipped, nil
}

// ListServices returns the declared services plus the count of malformed
// descriptor files skipped. A malformed entry never fails the listing.
func (r *Registry) ListServices() ([]ServiceInfo, int, error) {
	if err := r.flock(unix.LOCK_SH); err != nil {
		return nil, 0, err
	}
	defer r.unlock()

	var services []ServiceInfo
	skipped := 0
	err := eachDescriptor(filepath.Join(r.root, "services"), func(raw []byte) {
		var svc ServiceInfo
		if json.Unmarshal(raw, &svc) != nil || svc.Identity.Name == "" {
			skipped++
			return
		}
		services = append(services, svc)
	})
	if err != nil {
		return nil, 0, err
	}
	return services, skipped, nil
}

func (r *Registry) PutNode(node NodeInfo) error {
	return r.put(filepath.Join(r.root, "nodes"), node.Name, node)
}

func (r *Registry) RemoveNode(name string) error {
	return r.remove(filepath.Join(r.root, "nodes"), name)
}

func (r *Registry) PutService(svc ServiceInfo) error {
	return r.put(filepath.Join(r.root, "services"), svc.Identity.Name, svc)
}

func (r *Registry) RemoveService(name string) error {
	return r.remove(filepath.Join(r.root, "services"), name)
}

func (r *Registry) put(dir, name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := r.flock(unix.LOCK_EX); err != nil {
		return err
	}
	defer r.unlock()
	path := filepath.Join(dir, descriptorFile(name))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write descriptor %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

func (r *Registry) remove(dir, name string) error {
	if err := r.flock(unix.LOCK_EX); err != nil {
		return err
	}
	defer r.unlock()
	err := os.Remove(filepath.Join(dir, descriptorFile(name)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (r *Registry) flock(how int) error {
	if r.lock == nil {
		return ErrClosed
	}
	if err := unix.Flock(int(r.lock.Fd()), how); err != nil {
		return fmt.Errorf("registry lock: %w", err)
	}
	return nil
}

func (r *Registry) unlock() {
	if r.lock != nil {
		_ = unix.Flock(int(r.lock.Fd()), unix.LOCK_UN)
	}
}

func eachDescriptor(dir string, fn func(raw []byte)) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read registry dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		fn(raw)
	}
	return nil
}

// Service names may contain separators, so descriptor files are named by
// the url-safe encoding of the name.
func descriptorFile(name string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(name)) + ".json"
}
