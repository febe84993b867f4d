package signer

import (
	"bytes"
	"context"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gorilla/rpc/v2/json2"

	"github.com/bardlex/bridgepool/internal/sigverify"
	"github.com/bardlex/bridgepool/pkg/circuit"
	"github.com/bardlex/bridgepool/pkg/errors"
)

// RPCClient reaches a remote signerd over JSON-RPC 2.0.
type RPCClient struct {
	url      string
	identity string
	http     *http.Client
	breaker  *circuit.Breaker
}

// Dial asks the signer at url for its identity and returns a client bound
// to it.
func Dial(ctx context.Context, url string, timeout time.Duration) (*RPCClient, error) {
	c := &RPCClient{
		url:  url,
		http: &http.Client{Timeout: timeout},
		breaker: circuit.New(&circuit.Config{
			Name:            "signer " + url,
			MaxFailures:     3,
			SuccessRequired: 1,
			Timeout:         timeout,
			ResetTimeout:    30 * time.Second,
			IsFailure:       errors.IsRetryable,
		}),
	}

	var reply IdentityReply
	if err := c.call(ctx, "signer.Identity", &IdentityArgs{}, &reply); err != nil {
		return nil, err
	}
	c.identity = sigverify.NormalizeIdentity(reply.Identity)
	if _, err := sigverify.ParseIdentity(c.identity); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "dial_signer", "signer returned an invalid identity").
			WithContext("url", url)
	}
	return c, nil
}

// Identity implements Client.
func (c *RPCClient) Identity() string { return c.identity }

// RequestSignature implements Client.
func (c *RPCClient) RequestSignature(ctx context.Context, req Request) ([]byte, error) {
	args := &SignArgs{
		SourceChain: req.Message.SourceChain,
		DestChain:   req.Message.DestChain,
		Asset:       req.Message.Asset,
		Amount:      req.Message.Amount,
		Recipient:   req.Message.Recipient,
		Nonce:       req.Message.Nonce,
		SourceTx:    req.SourceTx,
	}
	var reply SignReply
	if err := c.call(ctx, "signer.Sign", args, &reply); err != nil {
		return nil, err
	}
	sig, err := hex.DecodeString(reply.Signature)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "request_signature", "signature is not hex")
	}
	return sig, nil
}

func (c *RPCClient) call(ctx context.Context, method string, args, reply any) error {
	body, err := json2.EncodeClientRequest(method, args)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, method, "failed to encode request")
	}

	return c.breaker.Execute(ctx, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, method, "failed to build request")
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeNetwork, method, "signer unreachable").
				WithContext("url", c.url)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return errors.New(errors.ErrorTypeNetwork, method, "unexpected signer status").
				WithContext("url", c.url).
				WithContext("status", resp.StatusCode)
		}
		if err := json2.DecodeClientResponse(resp.Body, reply); err != nil {
			// an RPC-level refusal is not worth retrying
			return errors.Wrap(err, errors.ErrorTypeValidation, method, "signer refused request").
				WithContext("url", c.url)
		}
		return nil
	})
}
