package mesh

import (
	"fmt"

	"github.com/dws-network/dws-core/internal/config"
	"github.com/dws-network/dws-core/internal/log"
)

// Service bundles the mesh CA, identity registry, and access-policy
// store into the single handle the rest of the control plane depends
// on (base spec §4.6), mirroring the explicit-App-context idiom used
// by every other subsystem in this repo rather than a package-level
// singleton.
type Service struct {
	CA       *CA
	Identity *Registry
	Policy   *PolicyStore
	logger   *log.Logger
}

// New constructs a mesh Service from configuration.
func New(cfg *config.Config, logger *log.Logger) (*Service, error) {
	ca, err := NewCA(cfg)
	if err != nil {
		return nil, fmt.Errorf("constructing mesh CA: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		CA:       ca,
		Identity: NewRegistry(),
		Policy:   NewPolicyStore(),
		logger:   logger.Module("mesh"),
	}, nil
}

// RegisterService registers a workload identity and returns it (with
// its derived id populated).
func (s *Service) RegisterService(identity ServiceIdentity) (ServiceIdentity, error) {
	registered, err := s.Identity.Register(identity)
	if err != nil {
		return ServiceIdentity{}, err
	}
	s.logger.Info("service registered", "id", registered.ID, "namespace", registered.Namespace, "name", registered.Name)
	return registered, nil
}

// DiscoverService looks up a registered identity by namespace/name.
func (s *Service) DiscoverService(namespace, name string) (ServiceIdentity, bool) {
	return s.Identity.Discover(namespace, name)
}

// ListServices returns every identity matching selector.
func (s *Service) ListServices(selector Selector) []ServiceIdentity {
	return s.Identity.List(selector)
}

// GenerateCertificate issues (or reuses a cached, still-fresh) mTLS
// leaf certificate for the named service, registering it first if
// unknown. See base spec §4.6 "generateCertificate".
func (s *Service) GenerateCertificate(namespace, name string) (Certificate, error) {
	identity, ok := s.Identity.Discover(namespace, name)
	if !ok {
		var err error
		identity, err = s.Identity.Register(ServiceIdentity{Namespace: namespace, Name: name})
		if err != nil {
			return Certificate{}, err
		}
	}
	return s.CA.IssueLeaf(identity)
}

// VerifyCertificate validates certPEM against the mesh CA and,
// optionally, that it belongs to a service matching expected.
func (s *Service) VerifyCertificate(certPEM []byte, expected *Selector) (bool, error) {
	leaf, err := s.CA.VerifyCertificate(certPEM, "")
	if err != nil {
		return false, err
	}
	cn := leaf.Subject.CommonName
	if !isMeshCN(cn) {
		return false, fmt.Errorf("certificate CN %q is not of the form name.namespace.mesh.dws", cn)
	}
	if expected == nil {
		return true, nil
	}
	namespace, name, ok := splitMeshCN(cn)
	if !ok {
		return false, fmt.Errorf("cannot parse namespace/name from CN %q", cn)
	}
	identity, ok := s.Identity.Discover(namespace, name)
	if !ok {
		return false, fmt.Errorf("certificate names unregistered service %s/%s", namespace, name)
	}
	if !expected.Matches(identity) {
		return false, fmt.Errorf("certificate service %s/%s does not match expected selector", namespace, name)
	}
	return true, nil
}

// CheckAccess evaluates the mesh access-policy set for a call from
// source to destination.
func (s *Service) CheckAccess(source, destination ServiceIdentity, req Request) (Action, string) {
	return s.Policy.CheckAccess(source, destination, req)
}

func isMeshCN(cn string) bool {
	_, _, ok := splitMeshCN(cn)
	return ok
}

// splitMeshCN parses "name.namespace.mesh.dws" back into its parts.
func splitMeshCN(cn string) (namespace, name string, ok bool) {
	const suffix = ".mesh.dws"
	if len(cn) <= len(suffix) || cn[len(cn)-len(suffix):] != suffix {
		return "", "", false
	}
	rest := cn[:len(cn)-len(suffix)]
	dot := -1
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		return "", "", false
	}
	name = rest[:dot]
	namespace = rest[dot+1:]
	if name == "" || namespace == "" {
		return "", "", false
	}
	return namespace, name, true
}
