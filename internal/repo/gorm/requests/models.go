package requests

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuihairu/execgate/internal/domain"
	"github.com/cuihairu/execgate/internal/idgen"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	typeDatasource = "datasource"
	typeKubernetes = "kubernetes"
)

// Request is the DB model of an execution request. Variant specific columns
// are left empty for the other variant.
type Request struct {
	ID           string `gorm:"primaryKey;size:22"`
	Type         string `gorm:"size:16;not null"`
	Kind         string `gorm:"size:32;not null"`
	Title        string `gorm:"size:255"`
	Description  string `gorm:"type:text"`
	AuthorID     string `gorm:"size:64;index;not null"`
	AuthorEmail  string `gorm:"size:255"`
	AuthorName   string `gorm:"size:255"`
	ConnectionID string `gorm:"size:64;index;not null"`
	// Connection snapshot taken at creation time (id, name, dialect, policy).
	Connection datatypes.JSON `gorm:"type:json"`

	Statement string `gorm:"type:text"`
	ReadOnly  bool

	Namespace     string `gorm:"size:255"`
	PodName       string `gorm:"size:255"`
	ContainerName string `gorm:"size:255"`
	Command       string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"index"`
}

func (Request) TableName() string { return "execution_requests" }

func (r *Request) BeforeCreate(*gorm.DB) error {
	r.ID = idgen.Ensure(r.ID)
	return nil
}

// Event is one row of a request's log. Seq keeps insertion order for events
// sharing a timestamp.
type Event struct {
	Seq         uint64         `gorm:"primaryKey;autoIncrement"`
	ID          string         `gorm:"size:22;uniqueIndex;not null"`
	RequestID   string         `gorm:"size:22;index:idx_event_request_time,priority:1;not null"`
	Type        string         `gorm:"size:16;not null"`
	AuthorID    string         `gorm:"size:64;not null"`
	AuthorEmail string         `gorm:"size:255"`
	AuthorName  string         `gorm:"size:255"`
	Payload     datatypes.JSON `gorm:"type:json"`
	CreatedAt   time.Time      `gorm:"index:idx_event_request_time,priority:2"`
}

func (Event) TableName() string { return "execution_request_events" }

func (e *Event) BeforeCreate(*gorm.DB) error {
	e.ID = idgen.Ensure(e.ID)
	return nil
}

type connSnapshot struct {
	ID           string              `json:"id"`
	DisplayName  string              `json:"display_name,omitempty"`
	DatabaseType domain.DatabaseType `json:"database_type,omitempty"`
	Policy       domain.Policy       `json:"policy"`
}

func snapshotOf(c domain.Connection) (datatypes.JSON, error) {
	s := connSnapshot{ID: c.ConnectionID(), Policy: c.ReviewPolicy()}
	switch v := c.(type) {
	case *domain.DatasourceConnection:
		s.DisplayName, s.DatabaseType = v.DisplayName, v.DatabaseType
	case *domain.KubernetesConnection:
		s.DisplayName = v.DisplayName
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode connection %s: %w", s.ID, err)
	}
	return b, nil
}

// snapshot decodes the stored connection. A corrupt column is an error; an
// empty policy would approve the request with no reviews.
func (r *Request) snapshot() (connSnapshot, error) {
	s := connSnapshot{ID: r.ConnectionID}
	if len(r.Connection) == 0 {
		return s, fmt.Errorf("request %s: connection snapshot missing", r.ID)
	}
	if err := json.Unmarshal(r.Connection, &s); err != nil {
		return s, fmt.Errorf("request %s: decode connection snapshot: %w", r.ID, err)
	}
	return s, nil
}
