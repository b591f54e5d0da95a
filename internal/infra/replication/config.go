package replication

import (
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/pgoutbox/errs"
	"github.com/coachpo/pgoutbox/internal/domain/outbox"
)

const (
	// DefaultStatusInterval is the standby status update cadence.
	DefaultStatusInterval = 10 * time.Second
	// DefaultBufferSize is the capacity of the change channel.
	DefaultBufferSize = 256
	// DefaultSchema is the schema holding the GitClub outbox table.
	DefaultSchema = "gitclub"
	// DefaultTable is the GitClub outbox table.
	DefaultTable = "outbox_event"
	// DefaultPublication is the publication provisioned by the bundled migration.
	DefaultPublication = "outbox_pub"
	// DefaultSlot is the logical replication slot name.
	DefaultSlot = "outbox_slot"

	outputPlugin = "pgoutput"
)

// Columns maps outbox record fields to table column names. An empty name
// disables the field.
type Columns struct {
	ID             string                          `yaml:"id"`
	CorrelationIDs [outbox.CorrelationSlots]string `yaml:"correlationIds"`
	EventType      string                          `yaml:"eventType"`
	EventSource    string                          `yaml:"eventSource"`
	EventTime      string                          `yaml:"eventTime"`
	Payload        string                          `yaml:"payload"`
	RowVersion     string                          `yaml:"rowVersion"`
	LastEditedBy   string                          `yaml:"lastEditedBy"`
}

// DefaultColumns returns the GitClub outbox_event layout. xmin is never part
// of a replicated tuple, so RowVersion is disabled.
func DefaultColumns() Columns {
	return Columns{
		ID: "outbox_event_id",
		CorrelationIDs: [outbox.CorrelationSlots]string{
			"correlation_id_1", "correlation_id_2", "correlation_id_3", "correlation_id_4",
		},
		EventType:    "event_type",
		EventSource:  "event_source",
		EventTime:    "event_time",
		Payload:      "payload",
		RowVersion:   "",
		LastEditedBy: "last_edited_by",
	}
}

// Config describes a replication source.
type Config struct {
	DSN            string        `yaml:"dsn"`
	Publication    string        `yaml:"publication"`
	Slot           string        `yaml:"slot"`
	Schema         string        `yaml:"schema"`
	Table          string        `yaml:"table"`
	StatusInterval time.Duration `yaml:"statusInterval"`
	BufferSize     int           `yaml:"bufferSize"`
	CreateSlot     bool          `yaml:"createSlot"`
	Columns        Columns       `yaml:"columns"`
}

// DefaultConfig returns a config for the GitClub outbox with the DSN left blank.
func DefaultConfig() Config {
	return Config{
		DSN:            "",
		Publication:    DefaultPublication,
		Slot:           DefaultSlot,
		Schema:         DefaultSchema,
		Table:          DefaultTable,
		StatusInterval: DefaultStatusInterval,
		BufferSize:     DefaultBufferSize,
		CreateSlot:     true,
		Columns:        DefaultColumns(),
	}
}

// Normalise trims names and fills zero-valued settings with defaults.
func (c Config) Normalise() Config {
	c.DSN = strings.TrimSpace(c.DSN)
	c.Publication = strings.TrimSpace(c.Publication)
	c.Slot = strings.TrimSpace(c.Slot)
	c.Schema = strings.TrimSpace(c.Schema)
	c.Table = strings.TrimSpace(c.Table)
	if c.Schema == "" {
		c.Schema = "public"
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = DefaultStatusInterval
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Columns == (Columns{}) {
		c.Columns = DefaultColumns()
	}
	return c
}

// Validate reports missing settings as configuration errors.
func (c Config) Validate() error {
	if c.DSN == "" {
		return errs.Configuration(component, "replication dsn required")
	}
	if c.Publication == "" {
		return errs.Configuration(component, "publication name required")
	}
	if c.Slot == "" {
		return errs.Configuration(component, "replication slot name required")
	}
	if c.Table == "" {
		return errs.Configuration(component, "outbox table name required")
	}
	if c.Columns.ID == "" || c.Columns.EventType == "" {
		return errs.Configuration(component, "id and event type columns required")
	}
	return nil
}

// QualifiedTable returns schema.table.
func (c Config) QualifiedTable() string {
	return fmt.Sprintf("%s.%s", c.Schema, c.Table)
}
