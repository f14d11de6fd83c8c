package domain

// User is the actor abstraction consumed by the gate. Only ID takes part in
// decisions.
type User struct {
	ID       string `json:"id" yaml:"id"`
	Email    string `json:"email,omitempty" yaml:"email"`
	FullName string `json:"full_name,omitempty" yaml:"full_name"`
}

// Policy is the review / execution configuration of a connection.
// MaxExecutions: nil = not tracked, 0 = explicitly unlimited, >0 = hard cap.
type Policy struct {
	NumTotalRequired int  `json:"num_total_required" yaml:"num_total_required"`
	MaxExecutions    *int `json:"max_executions,omitempty" yaml:"max_executions"`
}

// MaxExecutionsOf is a helper for building policies in code.
func MaxExecutionsOf(n int) *int { return &n }

// DatabaseType selects the SQL dialect of a datasource.
type DatabaseType string

const (
	DatabasePostgres DatabaseType = "postgres"
	DatabaseMySQL    DatabaseType = "mysql"
)

// Connection is a closed set: *DatasourceConnection or *KubernetesConnection.
type Connection interface {
	ConnectionID() string
	ReviewPolicy() Policy
	isConnection()
}

type DatasourceConnection struct {
	ID           string
	DisplayName  string
	DatabaseType DatabaseType
	Policy       Policy
}

func (c *DatasourceConnection) ConnectionID() string { return c.ID }
func (c *DatasourceConnection) ReviewPolicy() Policy { return c.Policy }
func (*DatasourceConnection) isConnection()          {}

type KubernetesConnection struct {
	ID          string
	DisplayName string
	Policy      Policy
}

func (c *KubernetesConnection) ConnectionID() string { return c.ID }
func (c *KubernetesConnection) ReviewPolicy() Policy { return c.Policy }
func (*KubernetesConnection) isConnection()          {}
