// Package simulate drives a fitted model over the prediction subset of an
// input relation and streams N sampled draws per row.
package simulate

import (
	"context"
	"math/rand/v2"

	"github.com/simflow/simflow/pkg/relation"
)

// Roles maps model roles onto input columns.
type Roles struct {
	ID            string   `yaml:"id" validate:"required"`
	Partition     string   `yaml:"partition" validate:"required"`
	PartitionType string   `yaml:"partition_type" validate:"omitempty,oneof=timestamp int float string"`
	Target        string   `yaml:"target" validate:"required"`
	Group         string   `yaml:"group"`
	Features      []string `yaml:"features"`
}

// DefaultRoles returns the roles of the flight-delay example data set.
func DefaultRoles() Roles {
	return Roles{
		ID:            "id",
		Partition:     "flight_date",
		PartitionType: "timestamp",
		Target:        "delay",
		Group:         "carrier",
		Features:      []string{"distance", "dep_hour"},
	}
}

// PartitionKind returns the declared partition column type.
func (r Roles) PartitionKind() relation.Type {
	if r.PartitionType == "" {
		return relation.TypeTimestamp
	}
	t, err := relation.ParseType(r.PartitionType)
	if err != nil {
		return relation.TypeTimestamp
	}
	return t
}

// InputSchema is the schema the source is read with: id, partition key,
// target, optional group, then numeric features.
func (r Roles) InputSchema() relation.Schema {
	s := relation.Schema{
		{Name: r.ID, Type: relation.TypeInt},
		{Name: r.Partition, Type: r.PartitionKind(), Nullable: true},
		{Name: r.Target, Type: relation.TypeFloat, Nullable: true},
	}
	if r.Group != "" {
		s = append(s, relation.Column{Name: r.Group, Type: relation.TypeString, Nullable: true})
	}
	for _, f := range r.Features {
		s = append(s, relation.Column{Name: f, Type: relation.TypeFloat, Nullable: true})
	}
	return s
}

// SplitPoint parses raw against the partition column.
func (r Roles) SplitPoint(raw string) (relation.SplitPoint, error) {
	return relation.ParseSplitPoint(r.Partition, raw, r.PartitionKind())
}

// Model is the statistical model. The engine treats it as a black box: fit
// once on the rows before the split, then ask for a per-row distribution.
type Model interface {
	Name() string
	Fit(ctx context.Context, fit *relation.Input) error
	Predict(row []any) (Distribution, error)
}

// Distribution is the predictive distribution of one row. Sample returns
// ok=false when it cannot produce a value.
type Distribution interface {
	Sample(src rand.Source) (value float64, ok bool)
}
