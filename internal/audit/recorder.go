package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/trustcore/internal/shared"
)

// RiskScorer assigns a risk level to an activity before it is signed.
type RiskScorer interface {
	Score(ctx context.Context, a Activity) (int, error)
}

// Entry describes an application event to record.
type Entry struct {
	Type        string `validate:"required,max=64"`
	Event       string `validate:"required,max=128"`
	Description string `validate:"max=1024"`
	Module      string `validate:"required,max=64"`
	UserID      *int64 `validate:"omitempty,gt=0"`
	SubjectType string `validate:"max=128"`
	SubjectID   string `validate:"max=128"`
	Properties  Properties
	IPAddress   string `validate:"omitempty,ip"`
	UserAgent   string `validate:"max=512"`
	Result      string `validate:"omitempty,oneof=success failed"`
	At          time.Time
}

// Recorder validates, filters, scores, signs and stores activities.
type Recorder struct {
	store    Store
	signer   *Signer
	scorer   RiskScorer
	filter   *Filter
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// RecorderConfig collects dependencies for NewRecorder.
type RecorderConfig struct {
	Store           Store
	Signer          *Signer
	Scorer          RiskScorer
	SensitiveFields []string
	Logger          *slog.Logger
}

// NewRecorder builds a Recorder. Scorer may be nil, leaving risk level zero.
func NewRecorder(cfg RecorderConfig) *Recorder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:    cfg.Store,
		signer:   cfg.Signer,
		scorer:   cfg.Scorer,
		filter:   NewFilter(cfg.SensitiveFields),
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// Record persists a signed activity. Signing and storage errors are returned;
// nothing is written when signing fails.
func (r *Recorder) Record(ctx context.Context, e Entry) (Activity, error) {
	if r == nil || r.store == nil {
		return Activity{}, errors.New("audit: recorder not initialised")
	}
	if err := r.validate.Struct(e); err != nil {
		return Activity{}, fmt.Errorf("audit: %w: %v", shared.ErrValidation, err)
	}
	a, err := r.build(e)
	if err != nil {
		return Activity{}, err
	}
	if r.scorer != nil {
		level, err := r.scorer.Score(ctx, a)
		if err != nil {
			r.logger.Warn("audit risk scoring", slog.String("event", a.Event), slog.Any("error", err))
		} else {
			a.RiskLevel = level
		}
	}
	sig, err := r.signer.Sign(a.Fields())
	if err != nil {
		return Activity{}, fmt.Errorf("audit: sign activity: %w", err)
	}
	a.Signature = sig
	stored, err := r.store.Insert(ctx, a)
	if err != nil {
		return Activity{}, fmt.Errorf("audit: store activity: %w", err)
	}
	return stored, nil
}

// Log records e and logs instead of returning errors.
func (r *Recorder) Log(ctx context.Context, e Entry) {
	if _, err := r.Record(ctx, e); err != nil {
		logger := slog.Default()
		if r != nil {
			logger = r.logger
		}
		logger.Error("audit record", slog.String("event", e.Event), slog.String("module", e.Module), slog.Any("error", err))
	}
}

func (r *Recorder) build(e Entry) (Activity, error) {
	at := e.At
	if at.IsZero() {
		at = r.now()
	}
	result := e.Result
	if result == "" {
		result = ResultSuccess
	}
	a := Activity{
		Type:        strings.ToLower(strings.TrimSpace(e.Type)),
		Event:       e.Event,
		Description: e.Description,
		Module:      e.Module,
		SubjectType: e.SubjectType,
		SubjectID:   e.SubjectID,
		IPAddress:   e.IPAddress,
		UserAgent:   e.UserAgent,
		Result:      result,
		CreatedAt:   at.UTC().Truncate(time.Microsecond),
	}
	if e.UserID != nil {
		id := *e.UserID
		a.UserID = &id
	}
	if e.Properties != nil {
		raw, err := json.Marshal(r.filter.Apply(e.Properties))
		if err != nil {
			return Activity{}, fmt.Errorf("audit: %w: %v", ErrMalformedProperties, err)
		}
		a.Properties = raw
	}
	return a, nil
}
