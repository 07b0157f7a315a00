package client

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/comfygen/comfygen/graphapi"
	"github.com/comfygen/comfygen/metrics"
)

type MonitorState int32

const (
	MonitorConnecting MonitorState = iota
	MonitorAwaitingEvents
	MonitorCompleted
	MonitorFailed
)

func (s MonitorState) String() string {
	switch s {
	case MonitorConnecting:
		return "connecting"
	case MonitorAwaitingEvents:
		return "awaiting_events"
	case MonitorCompleted:
		return "completed"
	case MonitorFailed:
		return "failed"
	}
	return "unknown"
}

// Stream is the frame source a Monitor reads from.  *Session implements it.
type Stream interface {
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

// QueueReader provides queue snapshots.  *ComfyClient implements it.
type QueueReader interface {
	GetQueue(ctx context.Context) QueueSnapshot
}

// Monitor follows one job on its session stream until the job completes or fails
type Monitor struct {
	stream  Stream
	queue   QueueReader
	job     *Job
	graph   graphapi.Graph
	log     logrus.FieldLogger
	metrics *metrics.Registry
	state   atomic.Int32
	dropped atomic.Int64
}

// NewMonitor creates a monitor for job, which must have been submitted on the
// session that stream belongs to.  graph is the submitted graph and is used to
// resolve node class types.
func (c *ComfyClient) NewMonitor(stream Stream, job *Job, graph graphapi.Graph) *Monitor {
	return &Monitor{
		stream:  stream,
		queue:   c,
		job:     job,
		graph:   graph,
		log:     c.log.WithField("prompt_id", job.PromptID),
		metrics: c.metrics,
	}
}

// State reports the current monitor state
func (m *Monitor) State() MonitorState {
	return MonitorState(m.state.Load())
}

func (m *Monitor) setState(s MonitorState) {
	m.state.Store(int32(s))
}

// Run reads the stream until the job completes, fails, or ctx ends, sending
// progress on events.  Sends never block: an event that does not fit in the
// buffer of events is dropped and counted.  events is closed when Run returns.
// Cancelling ctx closes the stream and returns ctx.Err(); the remote job is
// left running.
func (m *Monitor) Run(ctx context.Context, events chan<- Progress) (err error) {
	defer close(events)
	defer func() {
		if err != nil {
			m.setState(MonitorFailed)
		} else {
			m.setState(MonitorCompleted)
		}
	}()

	stop := context.AfterFunc(ctx, func() {
		m.stream.Close()
	})
	defer stop()

	// GetQueue is bounded by its own short timeout and degrades to an empty snapshot
	pos := EstimatePosition(m.job.PromptID, m.queue.GetQueue(ctx))
	m.setState(MonitorAwaitingEvents)
	m.emit(events, Progress{
		Kind:     ProgressQueue,
		PromptID: m.job.PromptID,
		Position: pos,
		Label:    pos.Label(),
	})

	for {
		mt, data, err := m.stream.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.WithError(err).Warn("stream closed before completion")
			return fmt.Errorf("%w: %v", ErrStreamClosed, err)
		}
		if mt != websocket.TextMessage {
			// preview images arrive as binary frames
			m.metrics.RecordFrame("binary")
			continue
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			m.metrics.RecordFrame("malformed")
			m.log.WithError(err).Debug("skipping malformed frame")
			continue
		}

		done, err := m.handle(frame, events)
		if err != nil || done {
			return err
		}
	}
}

func (m *Monitor) handle(frame *Frame, events chan<- Progress) (bool, error) {
	switch data := frame.Data.(type) {
	case *ExecutingData:
		m.metrics.RecordFrame(FrameExecuting)
		if data.PromptID != "" && data.PromptID != m.job.PromptID {
			return false, nil
		}
		if data.Node == nil {
			// a null node without a prompt id cannot be attributed to this job
			if data.PromptID == m.job.PromptID {
				m.log.Debug("job completed")
				return true, nil
			}
			return false, nil
		}
		node := m.graph.GetNodeById(*data.Node)
		if node == nil {
			return false, nil
		}
		m.log.WithFields(logrus.Fields{
			"node_id": *data.Node,
			"title":   node.Title(),
		}).Debug("executing node")
		m.emit(events, Progress{
			Kind:      ProgressNode,
			PromptID:  m.job.PromptID,
			NodeID:    *data.Node,
			ClassType: node.ClassType,
			Label:     NodeLabel(node.ClassType),
		})
		return false, nil

	case *ExecutionErrorData:
		m.metrics.RecordFrame(FrameExecutionError)
		if data.PromptID != m.job.PromptID {
			return false, nil
		}
		m.log.WithFields(logrus.Fields{
			"node_id":        data.NodeID,
			"node_type":      data.NodeType,
			"exception_type": data.ExceptionType,
		}).Error(data.ExceptionMessage)
		return true, fmt.Errorf("%w: node %s (%s): %s", ErrExecutionFailed, data.NodeID, data.NodeType, data.ExceptionMessage)

	case *ExecutionInterruptedData:
		m.metrics.RecordFrame(FrameExecutionInterrupted)
		if data.PromptID != m.job.PromptID {
			return false, nil
		}
		m.log.WithField("node_id", data.NodeID).Warn("job interrupted")
		return true, fmt.Errorf("%w: at node %s", ErrExecutionInterrupted, data.NodeID)
	}

	m.metrics.RecordFrame("other")
	return false, nil
}

// emit never blocks the stream reader: when events is full the event is dropped
func (m *Monitor) emit(events chan<- Progress, p Progress) {
	select {
	case events <- p:
	default:
		m.dropped.Add(1)
		m.metrics.RecordDelivery(false)
		m.log.WithField("status", p.Label).Debug("progress buffer full, event dropped")
	}
}

// Dropped is the number of events discarded because events was full
func (m *Monitor) Dropped() int64 {
	return m.dropped.Load()
}
