// Package requests orchestrates the execution request lifecycle on top of a
// store: it builds events, asks the evaluator, and fans appended events out
// to notifications, the audit trail and metrics.
package requests

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuihairu/execgate/internal/audit/chain"
	"github.com/cuihairu/execgate/internal/authz"
	"github.com/cuihairu/execgate/internal/domain"
	"github.com/cuihairu/execgate/internal/eventlog"
	"github.com/cuihairu/execgate/internal/export"
	"github.com/cuihairu/execgate/internal/idgen"
	"github.com/cuihairu/execgate/internal/lock"
	"github.com/cuihairu/execgate/internal/notify"
	"github.com/cuihairu/execgate/internal/ports"
	"github.com/cuihairu/execgate/internal/status"
	"github.com/cuihairu/execgate/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNotFound        = ports.ErrNotFound
	ErrForbidden       = errors.New("forbidden")
	ErrAlreadyExecuted = errors.New("request already executed")
	ErrInvalidInput    = errors.New("invalid input")
)

type Service struct {
	store  ports.RequestStore
	conns  ports.ConnectionLookup
	locker lock.Locker

	resolver *status.Resolver
	chain    *authz.Chain
	gate     *export.Gate
	coarse   authz.CoarsePolicy
	roles    func(domain.User) []string

	queue   notify.Queue
	audit   chain.Auditor
	metrics *telemetry.GateMetrics
	tracer  trace.Tracer
	log     *slog.Logger
	now     func() time.Time
	lease   time.Duration
}

func NewService(store ports.RequestStore, conns ports.ConnectionLookup, opts ...Option) *Service {
	s := &Service{
		store:  store,
		conns:  conns,
		locker: lock.NewLocal(),
		queue:  notify.NewNoop(),
		log:    slog.Default(),
		now:    time.Now,
		lease:  status.DefaultLease,
	}
	for _, o := range opts {
		o(s)
	}
	// Postgres keeps microseconds; events must order the same in every store.
	clock := s.now
	s.now = func() time.Time { return clock().UTC().Truncate(time.Microsecond) }
	if s.tracer == nil {
		s.tracer = otel.Tracer("github.com/cuihairu/execgate/internal/service/requests")
	}
	s.resolver = status.NewResolver(status.WithClock(s.now), status.WithLease(s.lease))
	s.chain = authz.NewChain(s.coarse, authz.NewEvaluator(s.resolver))
	s.gate = export.NewGate(s.resolver)
	return s
}

// DatasourceInput describes a new SQL request.
type DatasourceInput struct {
	ConnectionID string
	Title        string
	Description  string
	Kind         domain.RequestKind
	Statement    string
	ReadOnly     bool
}

// KubernetesInput describes a new container exec request.
type KubernetesInput struct {
	ConnectionID  string
	Title         string
	Description   string
	Kind          domain.RequestKind
	Namespace     string
	PodName       string
	ContainerName string
	Command       string
}

func (s *Service) CreateDatasourceRequest(ctx context.Context, author domain.User, in DatasourceInput) (_ *domain.DatasourceRequest, err error) {
	ctx, span := s.tracer.Start(ctx, "requests.CreateDatasourceRequest", trace.WithAttributes(attribute.String("execgate.connection_id", in.ConnectionID)))
	defer func() { endSpan(span, err) }()

	if err := validateBase(author, in.Title, in.Kind); err != nil {
		return nil, err
	}
	stmt := strings.TrimSpace(in.Statement)
	if in.Kind == domain.SingleExecution && stmt == "" {
		return nil, fmt.Errorf("%w: statement is required for single execution", ErrInvalidInput)
	}
	conn, err := s.lookup(in.ConnectionID)
	if err != nil {
		return nil, err
	}
	ds, ok := conn.(*domain.DatasourceConnection)
	if !ok {
		return nil, fmt.Errorf("%w: connection %s is not a datasource", ErrInvalidInput, in.ConnectionID)
	}
	req := &domain.DatasourceRequest{
		RequestBase: domain.RequestBase{
			ID:          idgen.Generate(),
			Title:       strings.TrimSpace(in.Title),
			Description: in.Description,
			Kind:        in.Kind,
			Author:      author,
			CreatedAt:   s.now(),
		},
		Connection: ds,
		Statement:  stmt,
		ReadOnly:   in.ReadOnly,
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	s.created(req)
	return req, nil
}

func (s *Service) CreateKubernetesRequest(ctx context.Context, author domain.User, in KubernetesInput) (_ *domain.KubernetesRequest, err error) {
	ctx, span := s.tracer.Start(ctx, "requests.CreateKubernetesRequest", trace.WithAttributes(attribute.String("execgate.connection_id", in.ConnectionID)))
	defer func() { endSpan(span, err) }()

	if err := validateBase(author, in.Title, in.Kind); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Namespace) == "" || strings.TrimSpace(in.PodName) == "" {
		return nil, fmt.Errorf("%w: namespace and pod are required", ErrInvalidInput)
	}
	cmd := strings.TrimSpace(in.Command)
	if in.Kind == domain.SingleExecution && cmd == "" {
		return nil, fmt.Errorf("%w: command is required for single execution", ErrInvalidInput)
	}
	conn, err := s.lookup(in.ConnectionID)
	if err != nil {
		return nil, err
	}
	kc, ok := conn.(*domain.KubernetesConnection)
	if !ok {
		return nil, fmt.Errorf("%w: connection %s is not a kubernetes cluster", ErrInvalidInput, in.ConnectionID)
	}
	req := &domain.KubernetesRequest{
		RequestBase: domain.RequestBase{
			ID:          idgen.Generate(),
			Title:       strings.TrimSpace(in.Title),
			Description: in.Description,
			Kind:        in.Kind,
			Author:      author,
			CreatedAt:   s.now(),
		},
		Connection:    kc,
		Namespace:     strings.TrimSpace(in.Namespace),
		PodName:       strings.TrimSpace(in.PodName),
		ContainerName: strings.TrimSpace(in.ContainerName),
		Command:       cmd,
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	s.created(req)
	return req, nil
}

func validateBase(author domain.User, title string, kind domain.RequestKind) error {
	if author.ID == "" {
		return fmt.Errorf("%w: author is required", ErrInvalidInput)
	}
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown request kind %q", ErrInvalidInput, kind)
	}
	return nil
}

func (s *Service) lookup(id string) (domain.Connection, error) {
	if s.conns == nil {
		return nil, fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	c, err := s.conns.Connection(id)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Comment appends a free-form comment.
func (s *Service) Comment(ctx context.Context, id string, actor domain.User, text string) (domain.Event, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Event{}, fmt.Errorf("%w: comment is empty", ErrInvalidInput)
	}
	return s.appendChecked(ctx, "requests.Comment", id, actor, authz.PermissionGet, func(domain.Request, eventlog.Snapshot) (domain.Payload, error) {
		return domain.CommentPayload{Comment: text}, nil
	})
}

// Review appends a verdict. Authors may review their own request.
func (s *Service) Review(ctx context.Context, id string, actor domain.User, action domain.ReviewAction, comment string) (domain.Event, error) {
	if !action.Valid() {
		return domain.Event{}, fmt.Errorf("%w: unknown review action %q", ErrInvalidInput, action)
	}
	return s.appendChecked(ctx, "requests.Review", id, actor, authz.PermissionReview, func(domain.Request, eventlog.Snapshot) (domain.Payload, error) {
		return domain.ReviewPayload{Comment: comment, Action: action}, nil
	})
}

// Edit replaces the statement (datasource) or command (kubernetes). Only the
// author may edit; approvals given before the edit stop counting.
func (s *Service) Edit(ctx context.Context, id string, actor domain.User, content string) (domain.Event, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Event{}, fmt.Errorf("%w: edited content is empty", ErrInvalidInput)
	}
	return s.appendChecked(ctx, "requests.Edit", id, actor, authz.PermissionEdit, func(req domain.Request, events eventlog.Snapshot) (domain.Payload, error) {
		switch cur := domain.Current(req, events.Events()).(type) {
		case *domain.DatasourceRequest:
			return domain.EditPayload{Statement: content, PreviousStatement: cur.Statement}, nil
		case *domain.KubernetesRequest:
			return domain.EditPayload{Command: content, PreviousCommand: cur.Command}, nil
		default:
			panic(fmt.Sprintf("requests: unknown request variant %T", req))
		}
	})
}

// appendChecked loads the request, checks perm and appends the payload built
// by mk. These appends are not serialised against each other.
func (s *Service) appendChecked(ctx context.Context, op, id string, actor domain.User, perm authz.Permission, mk func(domain.Request, eventlog.Snapshot) (domain.Payload, error)) (ev domain.Event, err error) {
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("execgate.request_id", id)))
	defer func() { endSpan(span, err) }()

	if err := requireActor(actor); err != nil {
		return domain.Event{}, err
	}
	req, snap, err := s.load(ctx, s.store, id)
	if err != nil {
		return domain.Event{}, err
	}
	if !s.authorize(ctx, perm, actor, req, snap) {
		return domain.Event{}, fmt.Errorf("%s on %s: %w", perm, id, ErrForbidden)
	}
	payload, err := mk(req, snap)
	if err != nil {
		return domain.Event{}, err
	}
	ev, err = domain.NewEvent(idgen.Generate(), id, actor, s.now(), payload)
	if err != nil {
		return domain.Event{}, err
	}
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		return domain.Event{}, fmt.Errorf("append %s: %w", ev.Type(), err)
	}
	s.appended(ctx, req, ev)
	return ev, nil
}

func requireActor(actor domain.User) error {
	if strings.TrimSpace(actor.ID) == "" {
		return fmt.Errorf("%w: actor is required", ErrInvalidInput)
	}
	return nil
}

// Execute records an execution. The read of the log, the decision and the
// append happen under the per-request lock and inside one store transaction,
// so concurrent callers can never exceed the execution cap.
//
// statement is what a temporary access session ran; single execution
// requests record their current statement and ignore it.
func (s *Service) Execute(ctx context.Context, id string, actor domain.User, statement string) (ev domain.Event, err error) {
	ctx, span := s.tracer.Start(ctx, "requests.Execute", trace.WithAttributes(attribute.String("execgate.request_id", id)))
	defer func() { endSpan(span, err) }()

	if err := requireActor(actor); err != nil {
		return domain.Event{}, err
	}
	waitStart := time.Now()
	release, err := s.locker.Acquire(ctx, id)
	if err != nil {
		return domain.Event{}, fmt.Errorf("lock request %s: %w", id, err)
	}
	s.metrics.RecordLockWait(ctx, time.Since(waitStart))
	defer func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			s.log.Warn("release request lock", "request_id", id, "error", rerr)
		}
	}()

	var req domain.Request
	err = s.store.Atomically(ctx, id, func(ctx context.Context, tx ports.RequestStore) error {
		var (
			snap eventlog.Snapshot
			lerr error
		)
		req, snap, lerr = s.load(ctx, tx, id)
		if lerr != nil {
			return lerr
		}
		if !s.authorize(ctx, authz.PermissionExecute, actor, req, snap) {
			s.metrics.RecordExecuteDenied(ctx, "forbidden")
			return fmt.Errorf("%s on %s: %w", authz.PermissionExecute, id, ErrForbidden)
		}
		if s.resolver.ExecutionStatus(req, snap) == status.Executed {
			s.metrics.RecordExecuteDenied(ctx, "executed")
			return fmt.Errorf("request %s: %w", id, ErrAlreadyExecuted)
		}
		payload := domain.ExecutePayload{Statement: strings.TrimSpace(statement)}
		if cur, ok := domain.Current(req, snap.Events()).(*domain.DatasourceRequest); ok && cur.Kind == domain.SingleExecution {
			payload.Statement = cur.Statement
		}
		e, nerr := domain.NewEvent(idgen.Generate(), id, actor, s.now(), payload)
		if nerr != nil {
			return nerr
		}
		if aerr := tx.AppendEvent(ctx, e); aerr != nil {
			return fmt.Errorf("append %s: %w", e.Type(), aerr)
		}
		ev = e
		return nil
	})
	if err != nil {
		return domain.Event{}, err
	}
	s.appended(ctx, req, ev)
	return ev, nil
}

// Details is the derived view of one request.
type Details struct {
	// Request has edits applied; Original is the request as created.
	Request  domain.Request
	Original domain.Request
	Events   []domain.Event
	Status   status.Result
}

func (s *Service) Details(ctx context.Context, id string) (*Details, error) {
	req, snap, err := s.load(ctx, s.store, id)
	if err != nil {
		return nil, err
	}
	return &Details{
		Request:  domain.Current(req, snap.Events()),
		Original: req,
		Events:   snap.Events(),
		Status:   s.resolver.Resolve(req, snap),
	}, nil
}

func (s *Service) List(ctx context.Context, f ports.RequestFilter) ([]domain.Request, error) {
	return s.store.ListRequests(ctx, f)
}

// Authorize answers a permission check against the current log.
func (s *Service) Authorize(ctx context.Context, id string, actor domain.User, perm authz.Permission) (bool, error) {
	req, snap, err := s.load(ctx, s.store, id)
	if err != nil {
		return false, err
	}
	return s.authorize(ctx, perm, actor, req, snap), nil
}

// CanExportCSV runs the export gate. query is only used for temporary access
// requests. The role layer is consulted first and reported as ErrForbidden.
func (s *Service) CanExportCSV(ctx context.Context, id string, actor domain.User, query string) (bool, string, error) {
	req, snap, err := s.load(ctx, s.store, id)
	if err != nil {
		return false, "", err
	}
	if !s.authorize(ctx, authz.PermissionExport, actor, req, snap) {
		return false, "", fmt.Errorf("%s on %s: %w", authz.PermissionExport, id, ErrForbidden)
	}
	ok, reason := s.gate.CanExportCSV(req, snap, query)
	s.metrics.RecordExportCheck(ctx, ok, reason)
	s.log.Debug("export check", "request_id", id, "actor", actor.ID, "allowed", ok, "reason", reason)
	return ok, reason, nil
}

// load reads the request and its log. The connection is re-bound to the live
// registry entry so policy changes apply to open requests.
func (s *Service) load(ctx context.Context, st ports.RequestStore, id string) (domain.Request, eventlog.Snapshot, error) {
	req, err := st.GetRequest(ctx, id)
	if err != nil {
		return nil, eventlog.Snapshot{}, err
	}
	events, err := st.ListEvents(ctx, id)
	if err != nil {
		return nil, eventlog.Snapshot{}, fmt.Errorf("list events of %s: %w", id, err)
	}
	return s.rebind(req), eventlog.NewSnapshot(events), nil
}

func (s *Service) rebind(req domain.Request) domain.Request {
	if s.conns == nil || req.Conn() == nil {
		return req
	}
	live, err := s.conns.Connection(req.Conn().ConnectionID())
	if err != nil {
		return req
	}
	switch r := req.(type) {
	case *domain.DatasourceRequest:
		if c, ok := live.(*domain.DatasourceConnection); ok {
			r.Connection = c
		}
	case *domain.KubernetesRequest:
		if c, ok := live.(*domain.KubernetesConnection); ok {
			r.Connection = c
		}
	}
	return req
}

func (s *Service) authorize(ctx context.Context, perm authz.Permission, actor domain.User, req domain.Request, snap eventlog.Snapshot) bool {
	var roles []string
	if s.roles != nil {
		roles = s.roles(actor)
	}
	ok := s.chain.Authorize(perm, actor, roles, req, snap)
	s.metrics.RecordAuthorization(ctx, string(perm), ok)
	return ok
}

func (s *Service) created(req domain.Request) {
	b := req.Base()
	s.log.Info("request created", "request_id", b.ID, "kind", b.Kind, "author", b.Author.ID, "connection", req.Conn().ConnectionID())
	if s.audit != nil {
		if err := s.audit.Log("request.create", b.Author.ID, b.ID, map[string]string{"kind": string(b.Kind), "connection": req.Conn().ConnectionID()}); err != nil {
			s.log.Warn("audit write failed", "request_id", b.ID, "error", err)
		}
	}
}

// appended fans a stored event out. Failures here are logged, never returned:
// the event is already part of the log.
func (s *Service) appended(ctx context.Context, req domain.Request, ev domain.Event) {
	kind := string(req.Base().Kind)
	s.metrics.RecordEvent(ctx, string(ev.Type()), kind)
	msg := notify.MessageOf(ev)
	if err := s.queue.PublishEvent(ctx, msg); err != nil {
		s.log.Warn("publish event failed", "request_id", ev.RequestID, "event_id", ev.ID, "error", err)
	}
	if s.audit != nil {
		meta := map[string]string{"event_id": ev.ID}
		if msg.Action != "" {
			meta["action"] = string(msg.Action)
		}
		if err := s.audit.Log("request."+strings.ToLower(string(ev.Type())), ev.Author.ID, ev.RequestID, meta); err != nil {
			s.log.Warn("audit write failed", "request_id", ev.RequestID, "error", err)
		}
	}
	s.log.Info("event appended", "request_id", ev.RequestID, "event_id", ev.ID, "type", ev.Type(), "author", ev.Author.ID)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
