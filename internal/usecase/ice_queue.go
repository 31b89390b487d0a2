package usecase

import (
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/hanainplan/consultcall/internal/application/constant"
	"github.com/hanainplan/consultcall/internal/application/metric"
	"github.com/hanainplan/consultcall/internal/domain/call"
	"github.com/hanainplan/consultcall/internal/domain/signaling"
)

const (
	candidateQueued    = "queued"
	candidateApplied   = "applied"
	candidateFlushed   = "flushed"
	candidateFailed    = "failed"
	candidateDiscarded = "discarded"
)

// CandidateTarget часть peer connection, к которой применяются кандидаты
type CandidateTarget interface {
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
}

// CandidateQueue буфер ICE кандидатов, пришедших раньше удаленного описания.
// Кандидат применяется сразу только после Flush, иначе он мог бы обогнать буфер
type CandidateQueue struct {
	mu      sync.Mutex
	pending []signaling.ICECandidateMessage
	ready   bool
}

func NewCandidateQueue() *CandidateQueue {
	return &CandidateQueue{}
}

// EnqueueOrApply применяет кандидат или ставит его в очередь. applied=false без ошибки значит буферизацию
func (q *CandidateQueue) EnqueueOrApply(msg signaling.ICECandidateMessage, target CandidateTarget) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if target == nil || !q.ready || target.RemoteDescription() == nil {
		q.pending = append(q.pending, msg)
		metric.RecordICECandidate(candidateQueued)

		slog.Debug(
			"ice candidate queued",
			slog.String(constant.RoomID, msg.RoomID),
			slog.Int(constant.Count, len(q.pending)),
		)

		return false, nil
	}

	if err := target.AddICECandidate(msg.Init()); err != nil {
		metric.RecordICECandidate(candidateFailed)
		return false, call.NewError(call.KindNegotiation, "add ice candidate", err)
	}

	metric.RecordICECandidate(candidateApplied)

	return true, nil
}

// Flush применяет буфер в порядке поступления и очищает его. Вызывается сразу после
// успешной установки удаленного описания. Кандидаты чужой комнаты отбрасываются,
// ошибочные пропускаются
func (q *CandidateQueue) Flush(target CandidateTarget, roomID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.pending
	q.pending = nil
	q.ready = true

	applied := 0

	for _, msg := range pending {
		if roomID != "" && msg.RoomID != roomID {
			metric.RecordICECandidate(candidateDiscarded)
			slog.Debug(
				"ice candidate for another room discarded",
				slog.String(constant.RoomID, msg.RoomID),
			)

			continue
		}

		if err := target.AddICECandidate(msg.Init()); err != nil {
			metric.RecordICECandidate(candidateFailed)
			slog.Warn(
				"skip queued ice candidate",
				slog.String(constant.RoomID, msg.RoomID),
				slog.Any(constant.Error, err),
			)

			continue
		}

		metric.RecordICECandidate(candidateFlushed)
		applied++
	}

	return applied
}

// Clear сбрасывает буфер без применения
func (q *CandidateQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.pending)
	q.pending = nil
	q.ready = false

	return n
}

func (q *CandidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}
