package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/arthur-debert/deployd/pkg/errors"
	"github.com/arthur-debert/deployd/pkg/transaction"
)

// Transaction is a peer connection to one transaction endpoint
type Transaction struct {
	address string
	http    *http.Client
}

// DialTransaction prepares a client for the endpoint at address. No
// connection is made until the first request.
func DialTransaction(address string) (*Transaction, error) {
	socket := strings.TrimPrefix(address, transaction.AddressPrefix)
	if socket == address || socket == "" {
		return nil, errors.Newf(errors.ErrInvalidInput, "unsupported transaction address %q", address)
	}

	var dialer net.Dialer
	return &Transaction{
		address: address,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", socket)
				},
				DisableKeepAlives: true,
			},
		},
	}, nil
}

// Address returns the endpoint address
func (t *Transaction) Address() string {
	return t.address
}

// Start runs the transaction. It reports false when another peer started
// it first.
func (t *Transaction) Start(ctx context.Context) (bool, error) {
	resp, err := t.do(ctx, http.MethodPost, "/start")
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusCreated:
		return true, nil
	case http.StatusOK:
		return false, nil
	default:
		return false, responseError(resp)
	}
}

// Cancel asks the transaction to stop
func (t *Transaction) Cancel(ctx context.Context) error {
	resp, err := t.do(ctx, http.MethodPost, "/cancel")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		return responseError(resp)
	}
	return nil
}

// Status returns the transaction's current status
func (t *Transaction) Status(ctx context.Context) (transaction.Status, error) {
	var status transaction.Status
	resp, err := t.do(ctx, http.MethodGet, "/status")
	if err != nil {
		return status, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return status, responseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, errors.Wrap(err, errors.ErrInternal, "failed to decode transaction status")
	}
	return status, nil
}

// Progress calls fn for every event, past ones first, until the finished
// event. The returned error is the transaction's outcome.
func (t *Transaction) Progress(ctx context.Context, fn func(transaction.Event)) error {
	resp, err := t.do(ctx, http.MethodGet, "/progress")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	decoder := json.NewDecoder(bufio.NewReader(resp.Body))
	for {
		var ev transaction.Event
		if err := decoder.Decode(&ev); err != nil {
			if err == io.EOF {
				return errors.New(errors.ErrTxnFailed, "progress stream ended before the transaction finished")
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return errors.Wrap(ctxErr, errors.ErrTxnCancelled, "stopped following progress")
			}
			return errors.Wrap(err, errors.ErrInternal, "failed to read transaction progress")
		}
		if fn != nil {
			fn(ev)
		}
		if ev.Type != transaction.EventFinished {
			continue
		}
		if ev.Success {
			return nil
		}
		return remoteError(ev.Code, ev.Error)
	}
}

// remoteError rebuilds a coded error from its code and rendered text
func remoteError(code, text string) *errors.DeploydError {
	if code == "" {
		code = string(errors.ErrUnknown)
	}
	return errors.New(errors.ErrorCode(code), strings.TrimPrefix(text, "["+code+"] "))
}

func (t *Transaction) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, "http://transaction"+path, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "failed to build transaction request")
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrNotFound, "transaction at %s is not reachable", t.address)
	}
	return resp, nil
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func responseError(resp *http.Response) error {
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return errors.Newf(errors.ErrInternal, "transaction endpoint answered %s", resp.Status)
	}
	return remoteError(body.Code, body.Error).WithDetail("status", fmt.Sprint(resp.StatusCode))
}
