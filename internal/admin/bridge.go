package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/bardlex/bridgepool/internal/bridge"
	"github.com/bardlex/bridgepool/internal/registry"
	"github.com/bardlex/bridgepool/pkg/log"
)

// Engine is the slice of the bridge engine operators act on.
type Engine interface {
	FlagManualReview(ctx context.Context, id, reason string) (bridge.Transfer, error)
	ClearManualReview(ctx context.Context, id string) (bridge.Transfer, error)
	Reject(ctx context.Context, id, reason string) (bridge.Transfer, error)
	Pause()
	Unpause()
	Paused() bool
	Get(id string) (bridge.Transfer, error)
	Signers(id string) ([]string, error)
}

// Registry is the slice of the validator registry operators act on.
type Registry interface {
	Add(ctx context.Context, identity string, power uint64) error
	Remove(ctx context.Context, identity string) error
	SetThreshold(ctx context.Context, num, den uint64) error
	Threshold() (num, den uint64)
	TotalPower() uint64
	Validators() []registry.Validator
}

// BridgeService is served as "bridge.*".
type BridgeService struct {
	engine   Engine
	registry Registry
	logger   *log.Logger
}

// NewBridgeService creates the bridge admin service.
func NewBridgeService(engine Engine, reg Registry, logger *log.Logger) *BridgeService {
	return &BridgeService{engine: engine, registry: reg, logger: logger.WithComponent("admin")}
}

// ValidatorArgs identifies a validator and its voting power.
type ValidatorArgs struct {
	Identity string `json:"identity"`
	Power    uint64 `json:"power,omitempty"`
}

// ValidatorSetReply describes the validator set after a change.
type ValidatorSetReply struct {
	Validators   []registry.Validator `json:"validators"`
	TotalPower   uint64               `json:"totalPower"`
	ThresholdNum uint64               `json:"thresholdNum"`
	ThresholdDen uint64               `json:"thresholdDen"`
}

// ThresholdArgs sets the approval fraction.
type ThresholdArgs struct {
	Num uint64 `json:"num"`
	Den uint64 `json:"den"`
}

// TransferArgs identifies a transfer, with an optional reason.
type TransferArgs struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// TransferReply is an operator view of a transfer.
type TransferReply struct {
	ID           string    `json:"id"`
	SourceChain  uint32    `json:"sourceChain"`
	DestChain    uint32    `json:"destChain"`
	Asset        string    `json:"asset"`
	Amount       uint64    `json:"amount"`
	Fee          uint64    `json:"fee"`
	Recipient    string    `json:"recipient"`
	Nonce        uint64    `json:"nonce"`
	SourceTx     string    `json:"sourceTx"`
	Status       string    `json:"status"`
	Power        uint64    `json:"power"`
	Threshold    uint64    `json:"threshold"`
	Signers      []string  `json:"signers"`
	Attempts     int       `json:"attempts"`
	ManualReview bool      `json:"manualReview"`
	ReviewReason string    `json:"reviewReason,omitempty"`
	Receipt      string    `json:"receipt,omitempty"`
	RejectReason string    `json:"rejectReason,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PauseReply reports the pause state.
type PauseReply struct {
	Paused bool `json:"paused"`
}

func (s *BridgeService) validatorSet(reply *ValidatorSetReply) {
	reply.Validators = s.registry.Validators()
	reply.TotalPower = s.registry.TotalPower()
	reply.ThresholdNum, reply.ThresholdDen = s.registry.Threshold()
}

// RegisterValidator adds a validator to the active set.
func (s *BridgeService) RegisterValidator(r *http.Request, args *ValidatorArgs, reply *ValidatorSetReply) error {
	if err := s.registry.Add(r.Context(), args.Identity, args.Power); err != nil {
		return rpcError(err)
	}
	s.logger.WithValidator(args.Identity).Info("validator registered by operator", "power", args.Power)
	s.validatorSet(reply)
	return nil
}

// RemoveValidator drops a validator from the active set. Transfers already
// submitted keep their snapshot.
func (s *BridgeService) RemoveValidator(r *http.Request, args *ValidatorArgs, reply *ValidatorSetReply) error {
	if err := s.registry.Remove(r.Context(), args.Identity); err != nil {
		return rpcError(err)
	}
	s.logger.WithValidator(args.Identity).Info("validator removed by operator")
	s.validatorSet(reply)
	return nil
}

// SetThreshold changes the approval fraction for future transfers.
func (s *BridgeService) SetThreshold(r *http.Request, args *ThresholdArgs, reply *ValidatorSetReply) error {
	if err := s.registry.SetThreshold(r.Context(), args.Num, args.Den); err != nil {
		return rpcError(err)
	}
	s.validatorSet(reply)
	return nil
}

// ListValidators returns the active set.
func (s *BridgeService) ListValidators(_ *http.Request, _ *EmptyArgs, reply *ValidatorSetReply) error {
	s.validatorSet(reply)
	return nil
}

// FlagManualReview stops automatic processing of a transfer.
func (s *BridgeService) FlagManualReview(r *http.Request, args *TransferArgs, reply *TransferReply) error {
	reason := args.Reason
	if reason == "" {
		reason = "flagged by operator"
	}
	t, err := s.engine.FlagManualReview(r.Context(), args.ID, reason)
	if err != nil {
		return rpcError(err)
	}
	return s.fill(t, reply)
}

// ClearManualReview hands a transfer back to automatic processing.
func (s *BridgeService) ClearManualReview(r *http.Request, args *TransferArgs, reply *TransferReply) error {
	t, err := s.engine.ClearManualReview(r.Context(), args.ID)
	if err != nil {
		return rpcError(err)
	}
	return s.fill(t, reply)
}

// Reject closes a pending transfer.
func (s *BridgeService) Reject(r *http.Request, args *TransferArgs, reply *TransferReply) error {
	reason := args.Reason
	if reason == "" {
		reason = "rejected by operator"
	}
	t, err := s.engine.Reject(r.Context(), args.ID, reason)
	if err != nil {
		return rpcError(err)
	}
	return s.fill(t, reply)
}

// Pause stops new submissions and finalization.
func (s *BridgeService) Pause(_ *http.Request, _ *EmptyArgs, reply *PauseReply) error {
	s.engine.Pause()
	reply.Paused = s.engine.Paused()
	return nil
}

// Unpause resumes the bridge.
func (s *BridgeService) Unpause(_ *http.Request, _ *EmptyArgs, reply *PauseReply) error {
	s.engine.Unpause()
	reply.Paused = s.engine.Paused()
	return nil
}

// GetTransfer returns one transfer with its signers.
func (s *BridgeService) GetTransfer(_ *http.Request, args *TransferArgs, reply *TransferReply) error {
	t, err := s.engine.Get(args.ID)
	if err != nil {
		return rpcError(err)
	}
	return s.fill(t, reply)
}

func (s *BridgeService) fill(t bridge.Transfer, reply *TransferReply) error {
	signers, err := s.engine.Signers(t.ID)
	if err != nil {
		return rpcError(err)
	}
	*reply = TransferReply{
		ID:           t.ID,
		SourceChain:  t.SourceChain,
		DestChain:    t.DestChain,
		Asset:        t.Asset,
		Amount:       t.Amount,
		Fee:          t.Fee,
		Recipient:    t.Recipient,
		Nonce:        t.Nonce,
		SourceTx:     t.SourceTx,
		Status:       string(t.Status),
		Power:        t.Power,
		Threshold:    t.Threshold,
		Signers:      signers,
		Attempts:     t.Attempts,
		ManualReview: t.ManualReview,
		ReviewReason: t.ReviewReason,
		Receipt:      t.Receipt,
		RejectReason: t.RejectReason,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
	return nil
}
