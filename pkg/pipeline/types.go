package pipeline

import (
	"fmt"

	"github.com/ava-labs/kafka-pipeline/pkg/kafka"
)

// Mode selects which pipeline is assembled.
type Mode string

const (
	// ModeProduceConcatMap writes generated records to the input topic.
	ModeProduceConcatMap Mode = "ProduceConcatMap"
	// ModeConsumeDefault processes the output topic on one lane and
	// commits every record in order.
	ModeConsumeDefault Mode = "ConsumeDefault"
	// ModeConsumeSampled processes the output topic on one lane per
	// partition and commits periodically.
	ModeConsumeSampled Mode = "ConsumeSampled"
	// ModePipeReceiveSend pipes the input topic to the output topic on one
	// sequential lane.
	ModePipeReceiveSend Mode = "PipeReceiveSend"
	// ModePipePartitioned pipes the input topic to the output topic on one
	// lane per partition.
	ModePipePartitioned Mode = "PipePartitioned"
)

var modes = []Mode{
	ModeProduceConcatMap,
	ModeConsumeDefault,
	ModeConsumeSampled,
	ModePipeReceiveSend,
	ModePipePartitioned,
}

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	for _, m := range modes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mode %q, expected one of %v", s, modes)
}

// Produces reports whether the mode only generates records.
func (m Mode) Produces() bool {
	return m == ModeProduceConcatMap
}

// Pipes reports whether the mode publishes transformed records.
func (m Mode) Pipes() bool {
	return m == ModePipeReceiveSend || m == ModePipePartitioned
}

// Partitioned reports whether the mode runs one lane per partition. Only
// partitioned modes accept a reduced group-by.
func (m Mode) Partitioned() bool {
	return m == ModeConsumeSampled || m == ModePipePartitioned
}

// ProcessedRecord is the transform result for Record. Ack is set once the
// result has been published. Err is set when the record failed; failed
// records still travel to the commit policy, in order, so it can stop
// committing their partition.
type ProcessedRecord struct {
	Record kafka.InboundRecord
	Value  []byte
	Ack    *kafka.PublishAck
	Err    *RecordError
}

// Failed reports whether the record failed to process or publish.
func (r ProcessedRecord) Failed() bool {
	return r.Err != nil
}

// Stage names where a record failed.
type Stage string

const (
	StageSubmit  Stage = "submit"
	StageProcess Stage = "process"
	StagePublish Stage = "publish"
	StageCommit  Stage = "commit"
)

// RecordError is a failure of one record. The record is not committed and
// neither is anything after it in its partition until it is redelivered;
// the partition keeps being processed.
type RecordError struct {
	Stage  Stage
	Record kafka.InboundRecord
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s %s@%d: %v", e.Stage, e.Record.PartitionKey(), e.Record.Offset, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}
