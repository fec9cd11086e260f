// Package gateway serves the taskbridge HTTP surface: task metadata writes
// guarded by the ledger, public key registration, task creation and the
// operator endpoints for reconciliation and the retry queue.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"taskbridge/creation"
	"taskbridge/gateway/middleware"
	"taskbridge/metadata"
	"taskbridge/netstate"
	"taskbridge/recon"
	"taskbridge/retry"
	"taskbridge/validator"
)

// MetadataStore is the off-chain store surface used by the handlers.
type MetadataStore interface {
	Upsert(ctx context.Context, rec *metadata.TaskRecord) (bool, error)
	Get(ctx context.Context, chainID uint64, taskID string) (*metadata.TaskRecord, error)
	SavePublicKey(ctx context.Context, address common.Address, key []byte) ([]byte, error)
}

// TaskValidator answers ledger existence questions. Ownership is decided from
// the same result so a request costs one bounded read.
type TaskValidator interface {
	ValidateTaskExists(ctx context.Context, taskID string) validator.Result
}

// Reconciler runs an on-demand scan and cleanup.
type Reconciler interface {
	ScanAndCleanup(ctx context.Context, opts recon.ScanOptions, doCleanup bool) (*recon.Report, error)
}

// RetryInspector exposes the deferred operation queue.
type RetryInspector interface {
	Stats() retry.Stats
	Pending() []retry.Operation
	RetryOperation(id string) bool
}

// TaskCreator runs the creation saga.
type TaskCreator interface {
	Create(ctx context.Context, req creation.Request) (*creation.Outcome, error)
}

// PublicKeys is the memoising key cache.
type PublicKeys interface {
	Get(ctx context.Context, address common.Address) ([]byte, error)
	Remember(address common.Address, raw []byte) ([]byte, error)
}

// NetworkController is the operator view of the network state machine.
type NetworkController interface {
	Mode() netstate.Mode
	SystemChainID() uint64
	LastObservedChain() uint64
	ShouldTolerateWalletNetwork(ctx context.Context) bool
	EnsureNetworkFor(ctx context.Context, action netstate.Action, asset *netstate.Asset) netstate.Result
	MarkDepositReady() error
	CancelDeposit() error
}

// AssetRegistry resolves depositable assets by symbol.
type AssetRegistry interface {
	Asset(symbol string) (netstate.Asset, bool)
}

// Config wires the HTTP surface. Creator and Network are optional; without
// them POST /tasks and the network endpoints are not mounted.
type Config struct {
	ChainID       uint64
	Store         MetadataStore
	Validator     TaskValidator
	Reconciler    Reconciler
	Retry         RetryInspector
	Creator       TaskCreator
	Keys          PublicKeys
	Network       NetworkController
	Assets        AssetRegistry
	ScanDefaults  recon.ScanOptions
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Logger        *slog.Logger
}

// Rate limit groups.
const (
	LimitTasks = "tasks"
	LimitKeys  = "keys"
	LimitAdmin = "admin"
)

type server struct {
	chainID      uint64
	store        MetadataStore
	validator    TaskValidator
	reconciler   Reconciler
	retry        RetryInspector
	creator      TaskCreator
	keys         PublicKeys
	network      NetworkController
	assets       AssetRegistry
	scanDefaults recon.ScanOptions
	logger       *slog.Logger
}

// New builds the router.
func New(cfg Config) (http.Handler, error) {
	if cfg.Store == nil {
		return nil, errors.New("gateway: metadata store required")
	}
	if cfg.Validator == nil {
		return nil, errors.New("gateway: validator required")
	}
	if cfg.Keys == nil {
		return nil, errors.New("gateway: public key cache required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{
		chainID:      cfg.ChainID,
		store:        cfg.Store,
		validator:    cfg.Validator,
		reconciler:   cfg.Reconciler,
		retry:        cfg.Retry,
		creator:      cfg.Creator,
		keys:         cfg.Keys,
		network:      cfg.Network,
		assets:       cfg.Assets,
		scanDefaults: cfg.ScanDefaults,
		logger:       logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))
	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware)
	}

	limit := func(key string) func(http.Handler) http.Handler {
		if cfg.RateLimiter == nil {
			return passthrough
		}
		return cfg.RateLimiter.Middleware(key)
	}
	admin := cfg.Authenticator.Middleware(middleware.ScopeAdmin)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/tasks", func(tr chi.Router) {
		tr.Use(limit(LimitTasks))
		tr.Put("/{taskId}/metadata", s.putMetadata)
		tr.Get("/{taskId}/metadata", s.getMetadata)
		if s.creator != nil {
			tr.With(admin).Post("/", s.createTask)
		}
	})

	r.Route("/users/{address}/public-key", func(ur chi.Router) {
		ur.Use(limit(LimitKeys))
		ur.Put("/", s.putPublicKey)
		ur.Get("/", s.getPublicKey)
	})

	r.Route("/admin", func(ar chi.Router) {
		ar.Use(limit(LimitAdmin), admin)
		if s.reconciler != nil {
			ar.Post("/tasks/cleanup-orphans", s.cleanupOrphans)
		}
		if s.retry != nil {
			ar.Get("/retry-queue", s.retryQueue)
			ar.Post("/retry-queue/{id}/retry", s.forceRetry)
		}
		if s.network != nil {
			ar.Get("/network", s.networkStatus)
			ar.Post("/deposits/{symbol}/prepare", s.prepareDeposit)
			ar.Post("/deposits/ready", s.depositReady)
			ar.Post("/deposits/cancel", s.cancelDeposit)
		}
	})

	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	return otelhttp.NewHandler(r, "taskbridge.gateway"), nil
}

func passthrough(next http.Handler) http.Handler { return next }
