package queue

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Options are the per-queue feature flags. They are fixed at CreateQueue
// time and persisted in the configuration record.
type Options struct {
	EnableStatus                               bool     `json:"enable_status"`
	EnableHeartBeat                            bool     `json:"enable_heartbeat"`
	EnableDelayedProcessing                    bool     `json:"enable_delayed_processing"`
	EnableRoute                                bool     `json:"enable_route"`
	EnableStatusTable                          bool     `json:"enable_status_table"`
	EnableMessageExpiration                    bool     `json:"enable_message_expiration"`
	EnablePriority                             bool     `json:"enable_priority"`
	EnableHoldTransactionUntilMessageCommitted bool     `json:"enable_hold_transaction_until_message_committed"`
	AdditionalColumns                          []Column `json:"additional_columns,omitempty"`
}

// Column is a user-defined meta column on relational backends. Type is the
// raw column type for the target database.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

func DefaultOptions() Options {
	return Options{
		EnableStatus:            true,
		EnableHeartBeat:         true,
		EnableDelayedProcessing: true,
		EnableMessageExpiration: true,
		EnablePriority:          true,
	}
}

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)
	columnTypePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9 ]*(\([0-9]+(,[0-9]+)?\)|\(MAX\)|\(max\))?$`)
	queueNamePattern  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,99}$`)
)

var reservedColumns = []string{
	"queueid", "status", "heartbeat", "queueprocesstime", "expirationtime",
	"route", "priority", "correlationid", "queueddatetime", "jobname",
	"lastexception", "lastexceptiondate", "body", "headers",
}

// Validate checks flag combinations against what the backend supports.
func (o Options) Validate(caps Capabilities) error {
	if o.EnableHeartBeat && !o.EnableStatus {
		return fmt.Errorf("%w: heartbeat requires status", ErrInvalidOptions)
	}
	if o.EnableStatusTable && !o.EnableStatus {
		return fmt.Errorf("%w: status table requires status", ErrInvalidOptions)
	}
	if o.EnableHoldTransactionUntilMessageCommitted {
		if !caps.HoldTransaction {
			return fmt.Errorf("%w: backend cannot hold transactions", ErrInvalidOptions)
		}
		if o.EnableStatus || o.EnableHeartBeat {
			return fmt.Errorf("%w: holding the claim transaction excludes status and heartbeat", ErrInvalidOptions)
		}
	} else if !o.EnableStatus {
		return fmt.Errorf("%w: status is required unless the claim transaction is held", ErrInvalidOptions)
	}
	if len(o.AdditionalColumns) > 0 && !caps.SQLFilters {
		return fmt.Errorf("%w: additional columns need a relational backend", ErrInvalidOptions)
	}
	seen := make(map[string]struct{}, len(o.AdditionalColumns))
	for _, c := range o.AdditionalColumns {
		if !identifierPattern.MatchString(c.Name) {
			return fmt.Errorf("%w: column name %q", ErrInvalidOptions, c.Name)
		}
		lower := strings.ToLower(c.Name)
		if slices.Contains(reservedColumns, lower) {
			return fmt.Errorf("%w: column name %q is reserved", ErrInvalidOptions, c.Name)
		}
		if _, ok := seen[lower]; ok {
			return fmt.Errorf("%w: duplicate column %q", ErrInvalidOptions, c.Name)
		}
		seen[lower] = struct{}{}
		if !columnTypePattern.MatchString(c.Type) {
			return fmt.Errorf("%w: column type %q", ErrInvalidOptions, c.Type)
		}
	}
	return nil
}

// Compatible reports whether a client configured with o can operate on a
// queue created with stored.
func (o Options) Compatible(stored Options) error {
	if o.Equal(stored) {
		return nil
	}
	a, _ := json.Marshal(o)
	b, _ := json.Marshal(stored)
	return fmt.Errorf("%w: client=%s stored=%s", ErrOptionsMismatch, a, b)
}

func (o Options) Equal(other Options) bool {
	if o.EnableStatus != other.EnableStatus ||
		o.EnableHeartBeat != other.EnableHeartBeat ||
		o.EnableDelayedProcessing != other.EnableDelayedProcessing ||
		o.EnableRoute != other.EnableRoute ||
		o.EnableStatusTable != other.EnableStatusTable ||
		o.EnableMessageExpiration != other.EnableMessageExpiration ||
		o.EnablePriority != other.EnablePriority ||
		o.EnableHoldTransactionUntilMessageCommitted != other.EnableHoldTransactionUntilMessageCommitted {
		return false
	}
	return slices.EqualFunc(o.AdditionalColumns, other.AdditionalColumns, func(a, b Column) bool {
		return strings.EqualFold(a.Name, b.Name) && strings.EqualFold(a.Type, b.Type) && a.Nullable == b.Nullable
	})
}

func (o Options) column(name string) (Column, bool) {
	for _, c := range o.AdditionalColumns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

func encodeOptions(o Options) ([]byte, error) {
	return json.Marshal(o)
}

func decodeOptions(b []byte) (Options, error) {
	var o Options
	if err := json.Unmarshal(b, &o); err != nil {
		return Options{}, fmt.Errorf("decode queue configuration: %w", err)
	}
	return o, nil
}

// TableNames are the physical table or collection names of one queue.
type TableNames struct {
	Queue          string
	MetaData       string
	Status         string
	ErrorTracking  string
	MetaDataErrors string
	Configuration  string
	Jobs           string
}

func NewTableNames(queueName string) (TableNames, error) {
	if !queueNamePattern.MatchString(queueName) {
		return TableNames{}, fmt.Errorf("%w: %q", ErrInvalidQueueName, queueName)
	}
	return TableNames{
		Queue:          queueName + "Queue",
		MetaData:       queueName + "MetaData",
		Status:         queueName + "Status",
		ErrorTracking:  queueName + "ErrorTracking",
		MetaDataErrors: queueName + "MetaDataErrors",
		Configuration:  queueName + "Configuration",
		Jobs:           queueName + "Jobs",
	}, nil
}

// All lists every table in creation order.
func (n TableNames) All() []string {
	return []string{n.Queue, n.MetaData, n.Status, n.ErrorTracking, n.MetaDataErrors, n.Configuration, n.Jobs}
}
