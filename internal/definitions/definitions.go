// Package definitions registers the concrete resource types served by the management
// daemon: key stores, credential stores, SASL factories, security realms and the native
// management interface.
package definitions

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/anvil-platform/anvil-mgmt/internal/capability"
	"github.com/anvil-platform/anvil-mgmt/internal/credstore"
	"github.com/anvil-platform/anvil-mgmt/internal/livestate"
	"github.com/anvil-platform/anvil-mgmt/internal/resource"
	"github.com/anvil-platform/anvil-mgmt/internal/schema"
	"github.com/anvil-platform/anvil-mgmt/internal/service"
)

const (
	KeyStoreCapability        = "key-store"
	CredentialStoreCapability = "credential-store"
	SASLFactoryCapability     = "sasl-authentication-factory"
	SecurityRealmCapability   = "security-realm"
	NativeInterfaceCapability = "management.native-interface"

	// AliasChildType is the live-state child type of every alias-bearing store.
	AliasChildType = "alias"
)

// Options carries the shared clients resource services may need.
type Options struct {
	// Redis backs credential stores with backend "redis". Nil disables that backend.
	Redis redis.UniversalClient
	// KeyPrefix namespaces Redis keys.
	KeyPrefix string
}

// NewRoot returns the root definition with every resource type registered.
func NewRoot(opts Options) *resource.Definition {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "mgmt"
	}
	root := resource.NewRoot()

	elytron := root.Register(&resource.Definition{Type: "subsystem"})
	elytron.Register(keyStore())
	elytron.Register(filteringKeyStore())
	elytron.Register(credentialStore(opts))
	elytron.Register(saslAuthenticationFactory())
	realm := elytron.Register(securityRealm())
	realm.Register(plugIn())

	core := root.Register(&resource.Definition{Type: "core-service"})
	core.Register(nativeInterface())
	return root
}

func keyStore() *resource.Definition {
	return &resource.Definition{
		Type: "key-store",
		Schema: schema.MustNew(
			schema.AttributeDescriptor{
				Name: "path", Type: schema.TypeString, Nullable: true, AllowExpression: true,
				Restart: schema.RestartResourceServices,
			},
			schema.AttributeDescriptor{
				Name: "type", Type: schema.TypeString, Nullable: true, Default: "JKS",
				Restart:    schema.RestartResourceServices,
				Validators: []schema.Validator{schema.OneOf("JKS", "JCEKS", "PKCS12")},
			},
			schema.AttributeDescriptor{
				Name: "entries", Type: schema.TypeList, Nullable: true,
				Restart: schema.RestartResourceServices,
				Validators: []schema.Validator{
					schema.MustCELRule("self.all(e, e.size() > 0)", "entries must be non-empty aliases"),
				},
			},
		),
		Capabilities:    []capability.Descriptor{capability.Dynamic(KeyStoreCapability)},
		DynamicChildren: []string{AliasChildType},
		NewService: func(sc resource.ServiceContext) (service.Service, error) {
			return credstore.NewMemoryStore(stringList(sc.Value("entries"))...), nil
		},
	}
}

func filteringKeyStore() *resource.Definition {
	return &resource.Definition{
		Type: "filtering-key-store",
		Schema: schema.MustNew(
			schema.AttributeDescriptor{
				Name: "key-store", Type: schema.TypeString,
				Restart: schema.RestartResourceServices, CapabilityReference: KeyStoreCapability,
			},
			schema.AttributeDescriptor{
				Name: "alias-filter", Type: schema.TypeString,
				Restart: schema.RestartResourceServices,
				Validators: []schema.Validator{schema.ValidatorFunc(func(_ string, v interface{}) error {
					_, err := credstore.ParseAliasFilter(v.(string))
					return err
				})},
			},
		),
		// A filtering store is itself a key store other resources can reference.
		Capabilities:    []capability.Descriptor{capability.Dynamic(KeyStoreCapability)},
		DynamicChildren: []string{AliasChildType},
		NewService: func(sc resource.ServiceContext) (service.Service, error) {
			filter, err := credstore.ParseAliasFilter(sc.String("alias-filter"))
			if err != nil {
				return nil, err
			}
			src, ok := sc.Dependency("key-store")
			if !ok {
				return nil, fmt.Errorf("key-store %q is not resolved", sc.String("key-store"))
			}
			return credstore.NewFilteredStore(liveSource(sc.Services, src.Identity().Name), filter), nil
		},
	}
}

func credentialStore(opts Options) *resource.Definition {
	return &resource.Definition{
		Type: "credential-store",
		Schema: schema.MustNew(
			schema.AttributeDescriptor{
				Name: "backend", Type: schema.TypeString, Nullable: true, Default: "memory",
				Restart:    schema.RestartResourceServices,
				Validators: []schema.Validator{schema.OneOf("memory", "redis")},
			},
			schema.AttributeDescriptor{
				Name: "location", Type: schema.TypeString, Nullable: true, AllowExpression: true,
				Restart: schema.RestartResourceServices,
			},
			schema.AttributeDescriptor{
				Name: "create", Type: schema.TypeBoolean, Nullable: true, Default: false,
				Restart: schema.RestartResourceServices,
			},
			schema.AttributeDescriptor{
				Name: "entries", Type: schema.TypeList, Nullable: true,
				Restart: schema.RestartResourceServices,
			},
		),
		Capabilities:    []capability.Descriptor{capability.Dynamic(CredentialStoreCapability)},
		DynamicChildren: []string{AliasChildType},
		NewService: func(sc resource.ServiceContext) (service.Service, error) {
			if sc.String("backend") != "redis" {
				return credstore.NewMemoryStore(stringList(sc.Value("entries"))...), nil
			}
			if opts.Redis == nil {
				return nil, fmt.Errorf("redis backend is not configured")
			}
			key, _ := sc.Address.Last()
			prefix := sc.String("location")
			if prefix == "" {
				prefix = opts.KeyPrefix + ":credential-store:" + key.Key
			}
			create, _ := sc.Value("create").(bool)
			store := credstore.NewRedisStore(opts.Redis, credstore.RedisConfig{KeyPrefix: prefix, Create: create})
			return seeded{RedisStore: store, entries: stringList(sc.Value("entries"))}, nil
		},
	}
}

func saslAuthenticationFactory() *resource.Definition {
	return &resource.Definition{
		Type: "sasl-authentication-factory",
		Schema: schema.MustNew(
			schema.AttributeDescriptor{
				Name: "security-realm", Type: schema.TypeString,
				Restart: schema.RestartResourceServices, CapabilityReference: SecurityRealmCapability,
			},
			schema.AttributeDescriptor{
				Name: "mechanisms", Type: schema.TypeList, Nullable: true,
				Restart: schema.RestartResourceServices,
				Validators: []schema.Validator{schema.MustCELRule(
					`self.all(m, m in ["PLAIN", "DIGEST-MD5", "SCRAM-SHA-256", "EXTERNAL"])`,
					"unsupported SASL mechanism",
				)},
			},
		),
		Capabilities: []capability.Descriptor{capability.Dynamic(SASLFactoryCapability)},
		NewService:   noopService,
	}
}

func securityRealm() *resource.Definition {
	return &resource.Definition{
		Type: "security-realm",
		Schema: schema.MustNew(
			schema.AttributeDescriptor{
				Name: "key-store", Type: schema.TypeString, Nullable: true,
				Restart: schema.RestartResourceServices, CapabilityReference: KeyStoreCapability,
			},
			schema.AttributeDescriptor{Name: "description", Type: schema.TypeString, Nullable: true},
		),
		Capabilities: []capability.Descriptor{capability.Dynamic(SecurityRealmCapability)},
		NewService:   noopService,
	}
}

// plugIn only takes effect after a reload, in either direction.
func plugIn() *resource.Definition {
	return &resource.Definition{
		Type: "plug-in",
		Schema: schema.MustNew(
			schema.AttributeDescriptor{Name: "module", Type: schema.TypeString, Restart: schema.RestartAllServices},
		),
		AddRestartLevel:    schema.RestartAllServices,
		RemoveRestartLevel: schema.RestartAllServices,
		DeprecatedSince:    "1.7.0",
	}
}

func nativeInterface() *resource.Definition {
	return &resource.Definition{
		Type: "management-interface",
		Schema: schema.MustNew(
			schema.AttributeDescriptor{
				Name: "security-realm", Type: schema.TypeString, Nullable: true,
				Alternatives: []string{"sasl-authentication-factory"},
				Restart:      schema.RestartAllServices, CapabilityReference: SecurityRealmCapability,
			},
			schema.AttributeDescriptor{
				Name: "sasl-authentication-factory", Type: schema.TypeString, Nullable: true,
				Alternatives: []string{"security-realm"},
				Restart:      schema.RestartResourceServices, CapabilityReference: SASLFactoryCapability,
			},
			schema.AttributeDescriptor{
				Name: "server-name", Type: schema.TypeString, Nullable: true, AllowExpression: true,
				Requires: []string{"security-realm"}, Restart: schema.RestartResourceServices,
			},
			schema.AttributeDescriptor{
				Name: "sasl-protocol", Type: schema.TypeString, Nullable: true, AllowExpression: true,
				Default: "remote", Requires: []string{"security-realm"}, Restart: schema.RestartResourceServices,
			},
			schema.AttributeDescriptor{
				Name: "port", Type: schema.TypeInt, Nullable: true, Default: int64(9999),
				Restart:    schema.RestartResourceServices,
				Validators: []schema.Validator{schema.IntRange(1, 65535)},
			},
		),
		Capabilities: []capability.Descriptor{capability.Static(NativeInterfaceCapability)},
		NewService:   noopService,
	}
}

func noopService(resource.ServiceContext) (service.Service, error) {
	return service.Func{}, nil
}

// liveSource follows the service installed under name, so a restarted source is seen.
func liveSource(services resource.ServiceLookup, name string) credstore.SourceFunc {
	return func() (livestate.Store, bool) {
		ctrl, ok := services.Get(name)
		if !ok || ctrl.State() != service.StateUp {
			return nil, false
		}
		store, ok := ctrl.Service().(livestate.Store)
		return store, ok
	}
}

// seeded adds configured entries to a Redis store once it has started.
type seeded struct {
	*credstore.RedisStore
	entries []string
}

func (s seeded) Start(ctx context.Context) error {
	if err := s.RedisStore.Start(ctx); err != nil {
		return err
	}
	if !s.Initialized() {
		return nil
	}
	for _, e := range s.entries {
		if err := s.AddAlias(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func stringList(v interface{}) []string {
	items, _ := v.([]interface{})
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
