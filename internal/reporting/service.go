package reporting

import (
	"context"
	"errors"
	"time"

	"telemed-platform/internal/callsession"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting. It reads call sessions,
// which are never deleted.
type Repository interface {
	ListByDoctor(ctx context.Context, doctorID string, from, to time.Time) ([]callsession.Session, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.DoctorID == "" {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListByDoctor(ctx, req.DoctorID, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{DoctorID: req.DoctorID, Range: req.Range}
	patients := map[string]struct{}{}
	for _, c := range rows {
		out.TotalCalls++
		patients[c.Participants.PatientID] = struct{}{}

		switch c.Status {
		case callsession.StatusEnded:
			out.EndedCalls++
			if c.EndedAt != nil {
				d := int(c.EndedAt.Sub(c.StartedAt).Seconds())
				out.TotalDurationSeconds += d
				if d > out.LongestDurationSeconds {
					out.LongestDurationSeconds = d
				}
			}
		case callsession.StatusReconnecting:
			out.LiveCalls++
			out.ReconnectingCalls++
		default:
			out.LiveCalls++
		}
	}
	if out.EndedCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.EndedCalls
	}
	out.DistinctPatients = len(patients)
	return out, nil
}
