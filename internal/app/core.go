package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/trustcore/internal/audit"
	"github.com/odyssey-erp/trustcore/internal/rbac"
	"github.com/odyssey-erp/trustcore/internal/security"
)

// CoreDeps are the backing stores of the trust core.
type CoreDeps struct {
	RBACStore  rbac.Store
	AuditStore audit.Store
	// PermissionCache may be nil, in which case every check recomputes.
	PermissionCache rbac.PermissionCache
}

// Core holds the wired services shared by the server, the worker and the CLI.
type Core struct {
	RBAC       *rbac.Service
	Authorizer *rbac.Authorizer
	Guard      rbac.Middleware
	Signer     *audit.Signer
	Recorder   *audit.Recorder
	Integrity  *audit.IntegrityService
	Timeline   *audit.Service
	Analyzer   *security.Analyzer
	AuditStore audit.Store
}

// NewCore wires the services from configuration. It loads the permission
// graph and makes sure the admin permissions exist.
func NewCore(ctx context.Context, cfg *Config, logger *slog.Logger, deps CoreDeps) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.RBACStore == nil || deps.AuditStore == nil {
		return nil, fmt.Errorf("app: rbac and audit stores are required")
	}

	graph := rbac.NewGraph()
	service := rbac.NewService(rbac.ServiceConfig{
		Store:          deps.RBACStore,
		Graph:          graph,
		Cache:          deps.PermissionCache,
		Logger:         logger,
		ProtectedRoles: cfg.RBACProtectedRoles,
		SuperAdminRole: cfg.RBACSuperAdminRole,
	})
	authorizer := rbac.NewAuthorizer(rbac.AuthorizerConfig{
		Store:          deps.RBACStore,
		Graph:          graph,
		Cache:          deps.PermissionCache,
		Logger:         logger,
		SuperAdminRole: cfg.RBACSuperAdminRole,
	})
	if err := service.LoadGraph(ctx); err != nil {
		return nil, err
	}
	if err := service.Bootstrap(ctx); err != nil {
		return nil, err
	}

	signer, err := audit.NewSigner(cfg.SigningKey())
	if err != nil {
		return nil, err
	}
	if !signer.Configured() {
		logger.Warn("AUDIT_SIGNING_KEY not set, audit writes and integrity checks will fail")
	}

	policy, err := cfg.SecurityPolicy()
	if err != nil {
		return nil, err
	}
	analyzer := security.NewAnalyzer(deps.AuditStore, policy, logger)

	return &Core{
		RBAC:       service,
		Authorizer: authorizer,
		Guard:      rbac.Middleware{Checker: authorizer, Logger: logger},
		Signer:     signer,
		Recorder: audit.NewRecorder(audit.RecorderConfig{
			Store:           deps.AuditStore,
			Signer:          signer,
			Scorer:          analyzer,
			SensitiveFields: cfg.AuditSensitiveFields,
			Logger:          logger,
		}),
		Integrity: audit.NewIntegrityService(audit.IntegrityConfig{
			Store:     deps.AuditStore,
			Signer:    signer,
			Logger:    logger,
			Workers:   cfg.AuditVerifyWorkers,
			BatchSize: cfg.AuditBatchSize,
		}),
		Timeline:   audit.NewService(deps.AuditStore, logger),
		Analyzer:   analyzer,
		AuditStore: deps.AuditStore,
	}, nil
}
