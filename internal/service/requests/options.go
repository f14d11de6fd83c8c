package requests

import (
	"log/slog"
	"time"

	"github.com/cuihairu/execgate/internal/audit/chain"
	"github.com/cuihairu/execgate/internal/authz"
	"github.com/cuihairu/execgate/internal/domain"
	"github.com/cuihairu/execgate/internal/lock"
	"github.com/cuihairu/execgate/internal/notify"
	"github.com/cuihairu/execgate/internal/telemetry"
	"go.opentelemetry.io/otel/trace"
)

type Option func(*Service)

// WithLocker replaces the in-process lock, e.g. with lock.Redis when several
// processes share one store.
func WithLocker(l lock.Locker) Option { return func(s *Service) { s.locker = l } }

func WithNotifier(q notify.Queue) Option { return func(s *Service) { s.queue = q } }

func WithAuditor(a chain.Auditor) Option { return func(s *Service) { s.audit = a } }

func WithMetrics(m *telemetry.GateMetrics) Option { return func(s *Service) { s.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(s *Service) { s.tracer = t } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLease overrides the temporary access window.
func WithLease(d time.Duration) Option { return func(s *Service) { s.lease = d } }

// WithRoles installs the role layer and the lookup that feeds it.
func WithRoles(p authz.CoarsePolicy, roles func(domain.User) []string) Option {
	return func(s *Service) { s.coarse, s.roles = p, roles }
}
