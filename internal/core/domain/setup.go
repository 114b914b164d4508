package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	SetupStatusPending SetupStatus = iota
	SetupStatusReady
	SetupStatusSigned
	SetupStatusMerged
	SetupStatusVerified
	SetupStatusFailed
)

type SetupStatus int

func (s SetupStatus) String() string {
	switch s {
	case SetupStatusReady:
		return "READY"
	case SetupStatusSigned:
		return "SIGNED"
	case SetupStatusMerged:
		return "MERGED"
	case SetupStatusVerified:
		return "VERIFIED"
	case SetupStatusFailed:
		return "FAILED"
	default:
		return "PENDING"
	}
}

func ParseSetupStatus(s string) (SetupStatus, error) {
	for _, status := range []SetupStatus{
		SetupStatusPending, SetupStatusReady, SetupStatusSigned,
		SetupStatusMerged, SetupStatusVerified, SetupStatusFailed,
	} {
		if status.String() == s {
			return status, nil
		}
	}
	return SetupStatusPending, fmt.Errorf("unknown setup status %q", s)
}

func (s SetupStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SetupStatus) UnmarshalText(text []byte) error {
	status, err := ParseSetupStatus(string(text))
	if err != nil {
		return err
	}
	*s = status
	return nil
}

type Setup struct {
	Id              string      `json:"id"`
	ProtocolVersion string      `json:"protocolVersion"`
	Status          SetupStatus `json:"status"`
	FailureReason   string      `json:"failureReason,omitempty"`
	UpdatedAt       int64       `json:"updatedAt"`
}

func NewSetup(protocolVersion string) *Setup {
	return &Setup{
		Id:              uuid.New().String(),
		ProtocolVersion: protocolVersion,
		Status:          SetupStatusPending,
		UpdatedAt:       time.Now().Unix(),
	}
}

// IsUnsigned returns whether the setup is still waiting for this agent's
// signatures.
func (s *Setup) IsUnsigned() bool {
	return s.Status == SetupStatusPending || s.Status == SetupStatusReady
}

func (s *Setup) MarkReady() error {
	if s.Status != SetupStatusPending {
		return fmt.Errorf("not in a valid status to mark setup as ready")
	}
	s.touch(SetupStatusReady)
	return nil
}

func (s *Setup) MarkSigned() error {
	if !s.IsUnsigned() {
		return fmt.Errorf("not in a valid status to mark setup as signed")
	}
	s.touch(SetupStatusSigned)
	return nil
}

func (s *Setup) MarkMerged() error {
	if s.Status != SetupStatusSigned {
		return fmt.Errorf("not in a valid status to merge signatures")
	}
	s.touch(SetupStatusMerged)
	return nil
}

func (s *Setup) MarkVerified() error {
	if s.Status != SetupStatusSigned && s.Status != SetupStatusMerged {
		return fmt.Errorf("not in a valid status to mark setup as verified")
	}
	s.touch(SetupStatusVerified)
	return nil
}

// Fail moves the setup to FAILED. Failing an already failed setup is a no-op
// and keeps the first reason.
func (s *Setup) Fail(err error) {
	if s.Status == SetupStatusFailed {
		return
	}
	if err != nil {
		s.FailureReason = err.Error()
	}
	s.touch(SetupStatusFailed)
}

// Retry resets a failed setup so it goes through signing again.
func (s *Setup) Retry() error {
	if s.Status != SetupStatusFailed {
		return fmt.Errorf("not in a valid status to retry setup")
	}
	s.FailureReason = ""
	s.touch(SetupStatusReady)
	return nil
}

func (s *Setup) IsFailed() bool {
	return s.Status == SetupStatusFailed
}

func (s *Setup) touch(status SetupStatus) {
	s.Status = status
	s.UpdatedAt = time.Now().Unix()
}
