package database

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/logging"
	"github.com/mikeyg42/videolify/internal/reconnect"
	"github.com/mikeyg42/videolify/internal/registry"
)

// LeaveReporter forwards departures to the booking system.
type LeaveReporter interface {
	RecordLeave(ctx context.Context, roomID, userID string, at time.Time) error
}

// CallRecorder turns registry outcomes into audit entries, attendance rows
// and booking-system departures. Store and Booking are optional.
type CallRecorder struct {
	Store   *Store
	Booking LeaveReporter

	now    func() time.Time
	logger *zap.Logger
}

func NewCallRecorder(store *Store, booking LeaveReporter, logger *zap.Logger) *CallRecorder {
	return &CallRecorder{
		Store:   store,
		Booking: booking,
		now:     time.Now,
		logger:  logging.Named(logger, "call-recorder"),
	}
}

// Joined records an admitted, resumed or replacing join.
func (c *CallRecorder) Joined(ctx context.Context, res registry.JoinResult, remoteIP string) {
	s := res.Session
	scenario := res.Decision.Scenario.String()

	if res.Evicted != nil {
		AuditLog(AuditActionReplace, res.Evicted.UserID, remoteIP, AuditResultSuccess, s.RoomID,
			"replaced by "+s.PeerID+" ("+scenario+")")
		c.closeAttendance(ctx, Departure{RoomID: s.RoomID, PeerID: res.Evicted.PeerID, At: c.now(), Reason: scenario})
	}
	AuditLog(AuditActionJoin, s.UserID, remoteIP, AuditResultSuccess, s.RoomID, scenario)

	// A resumed transport keeps its attendance row open.
	if res.Decision.Action == reconnect.Resume {
		return
	}
	if c.Store == nil {
		return
	}
	err := c.Store.RecordJoin(ctx, Attendance{
		RoomID:     s.RoomID,
		PeerID:     s.PeerID,
		UserID:     s.UserID,
		PeerName:   s.PeerName,
		Scenario:   scenario,
		JoinedAtMs: s.JoinedAt.UnixMilli(),
	})
	if err != nil {
		c.logger.Error("failed to record join", zap.String("room", s.RoomID), zap.String("peer", s.PeerID), zap.Error(err))
	}
}

// Left records a departure detected by the relay.
func (c *CallRecorder) Left(ctx context.Context, res registry.LeaveResult, reason, remoteIP string) {
	s := res.Session
	action := AuditActionLeave
	if reason == "evicted" {
		action = AuditActionEvict
	}
	AuditLog(action, s.UserID, remoteIP, AuditResultSuccess, s.RoomID, reason)

	at := c.now()
	c.closeAttendance(ctx, Departure{RoomID: s.RoomID, PeerID: s.PeerID, At: at, Reason: reason})
	if c.Booking != nil && s.UserID != "" {
		if err := c.Booking.RecordLeave(ctx, s.RoomID, s.UserID, at); err != nil {
			c.logger.Warn("booking system did not take the departure", zap.String("room", s.RoomID), zap.Error(err))
		}
	}
}

// Rejected records a refused join.
func (c *CallRecorder) Rejected(_ context.Context, roomID, peerID, userID, remoteIP string, err error) {
	AuditLog(AuditActionReject, userID, remoteIP, AuditResultFailure, roomID, peerID+": "+err.Error())
}

func (c *CallRecorder) closeAttendance(ctx context.Context, d Departure) {
	if c.Store == nil {
		return
	}
	if _, err := c.Store.RecordLeave(ctx, d); err != nil {
		c.logger.Error("failed to record leave", zap.String("room", d.RoomID), zap.String("peer", d.PeerID), zap.Error(err))
	}
}
