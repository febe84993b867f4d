package signer

import (
	"encoding/hex"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"

	"github.com/bardlex/bridgepool/internal/sigverify"
	"github.com/bardlex/bridgepool/pkg/log"
)

// Service exposes a KeySigner over JSON-RPC as "signer.*".
type Service struct {
	signer *KeySigner
	logger *log.Logger
}

// SignArgs are the arguments for signer.Sign
type SignArgs struct {
	SourceChain uint32 `json:"sourceChain"`
	DestChain   uint32 `json:"destChain"`
	Asset       string `json:"asset"`
	Amount      uint64 `json:"amount"`
	Recipient   string `json:"recipient"`
	Nonce       uint64 `json:"nonce"`
	SourceTx    string `json:"sourceTx"`
}

// SignReply is the reply for signer.Sign
type SignReply struct {
	Identity  string `json:"identity"`
	Signature string `json:"signature"`
}

// IdentityArgs are the arguments for signer.Identity (empty)
type IdentityArgs struct{}

// IdentityReply is the reply for signer.Identity
type IdentityReply struct {
	Identity string `json:"identity"`
}

// Sign returns the validator's signature over the transfer digest.
func (s *Service) Sign(r *http.Request, args *SignArgs, reply *SignReply) error {
	req := Request{
		Message: sigverify.Message{
			SourceChain: args.SourceChain,
			DestChain:   args.DestChain,
			Asset:       args.Asset,
			Amount:      args.Amount,
			Recipient:   args.Recipient,
			Nonce:       args.Nonce,
		},
		SourceTx: args.SourceTx,
	}

	sig, err := s.signer.RequestSignature(r.Context(), req)
	if err != nil {
		s.logger.WithError(err).Warn("sign request refused",
			"source_chain", args.SourceChain, "nonce", args.Nonce, "source_tx", args.SourceTx)
		return err
	}

	reply.Identity = s.signer.Identity()
	reply.Signature = hex.EncodeToString(sig)
	return nil
}

// Identity returns the validator's public identity.
func (s *Service) Identity(_ *http.Request, _ *IdentityArgs, reply *IdentityReply) error {
	reply.Identity = s.signer.Identity()
	return nil
}

// NewHandler returns an HTTP handler serving the signer service at /rpc.
func NewHandler(signer *KeySigner, logger *log.Logger) (http.Handler, error) {
	server := rpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	server.RegisterCodec(json2.NewCodec(), "application/json;charset=UTF-8")
	if err := server.RegisterService(&Service{signer: signer, logger: logger.WithComponent("signer")}, "signer"); err != nil {
		return nil, err
	}

	router := mux.NewRouter()
	router.Handle("/rpc", server).Methods(http.MethodPost)
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return router, nil
}
