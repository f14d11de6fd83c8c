package requests

import (
	"context"
	"database/sql"
	"errors"

	"github.com/cuihairu/execgate/internal/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repo provides GORM-based persistence for requests and their event logs.
type Repo struct {
	db       *gorm.DB
	postgres bool
}

func AutoMigrate(g *gorm.DB) error { return g.AutoMigrate(&Request{}, &Event{}) }
func NewRepo(g *gorm.DB) *Repo     { return &Repo{db: g, postgres: db.IsPostgres(g)} }

func (r *Repo) Create(ctx context.Context, m *Request) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *Repo) Get(ctx context.Context, id string) (*Request, error) {
	var m Request
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

type Filter struct {
	AuthorID     string
	ConnectionID string
	Kind         string
	Limit        int
}

func (r *Repo) List(ctx context.Context, f Filter) ([]*Request, error) {
	q := r.db.WithContext(ctx).Model(&Request{})
	if f.AuthorID != "" {
		q = q.Where("author_id = ?", f.AuthorID)
	}
	if f.ConnectionID != "" {
		q = q.Where("connection_id = ?", f.ConnectionID)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var arr []*Request
	if err := q.Order("created_at DESC").Find(&arr).Error; err != nil {
		return nil, err
	}
	return arr, nil
}

func (r *Repo) AppendEvent(ctx context.Context, e *Event) error {
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *Repo) ListEvents(ctx context.Context, requestID string) ([]*Event, error) {
	var arr []*Event
	if err := r.db.WithContext(ctx).Where("request_id = ?", requestID).Order("created_at ASC").Order("seq ASC").Find(&arr).Error; err != nil {
		return nil, err
	}
	return arr, nil
}

// Atomically locks the request row and hands fn a Repo bound to the
// transaction. Postgres runs the transaction serializable with FOR UPDATE;
// sqlite already serialises writers.
func (r *Repo) Atomically(ctx context.Context, requestID string, fn func(tx *Repo) error) error {
	var opts []*sql.TxOptions
	if r.postgres {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&Request{}).Select("id").Where("id = ?", requestID)
		if r.postgres {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var m Request
		if err := q.First(&m).Error; err != nil {
			return err
		}
		return fn(&Repo{db: tx, postgres: r.postgres})
	}, opts...)
}

func isNotFound(err error) bool { return errors.Is(err, gorm.ErrRecordNotFound) }
func isDuplicate(err error) bool { return errors.Is(err, gorm.ErrDuplicatedKey) }
