package mediator

import (
	"encoding/json"
	"errors"
	"strings"

	"walletbridge/go-backend/internal/bridge/protocol"
	"walletbridge/go-backend/internal/storage"
	"walletbridge/go-backend/internal/trust"
	"walletbridge/go-backend/internal/wallet"
)

// Capabilities checked by the trust policy.
const (
	CapAccounts        = "accounts"
	CapAccountsConnect = "accounts.connect"
	CapChain           = "chain"
	CapChainSwitch     = "chain.switch"
	CapPermissions     = "permissions"
	CapSign            = "sign"
)

// globalLockKey serializes effects on wallet-wide state.
const globalLockKey = "*"

var errInvalidParams = errors.New("invalid params")

// args holds the decoded positional params of any registered method.
type args struct {
	Address string
	Message string
	Payload json.RawMessage
	ChainID string
}

type method struct {
	capability string
	readOnly   bool
	// perAccount effects lock the resolved account instead of the wallet.
	perAccount bool
	parse      func(params []json.RawMessage) (args, error)
	run        func(r *Router, tx storage.Tx, req protocol.ProviderRequest, a args) (any, error)
}

var registry = map[string]method{
	protocol.MethodGetAccounts: {
		capability: CapAccounts,
		readOnly:   true,
		parse:      noParams,
		run: func(r *Router, tx storage.Tx, _ protocol.ProviderRequest, _ args) (any, error) {
			return r.vault.Accounts(tx)
		},
	},
	protocol.MethodGetChainInfo: {
		capability: CapChain,
		readOnly:   true,
		parse:      noParams,
		run: func(r *Router, tx storage.Tx, _ protocol.ProviderRequest, _ args) (any, error) {
			return r.vault.ActiveChain(tx)
		},
	},
	protocol.MethodGetPermissions: {
		capability: CapPermissions,
		readOnly:   true,
		parse:      noParams,
		run: func(r *Router, tx storage.Tx, req protocol.ProviderRequest, _ args) (any, error) {
			return r.policy.Granted(tx, req.Origin)
		},
	},
	protocol.MethodRequestAccounts: {
		capability: CapAccountsConnect,
		parse:      noParams,
		run: func(r *Router, tx storage.Tx, req protocol.ProviderRequest, _ args) (any, error) {
			accounts, err := r.vault.Accounts(tx)
			if err != nil {
				return nil, err
			}
			if err := r.policy.Touch(tx, req.Origin); err != nil {
				return nil, err
			}
			return accounts, nil
		},
	},
	protocol.MethodSignMessage: {
		capability: CapSign,
		perAccount: true,
		parse:      parseSignMessage,
		run: func(r *Router, tx storage.Tx, _ protocol.ProviderRequest, a args) (any, error) {
			return r.vault.SignMessage(tx, a.Address, []byte(a.Message))
		},
	},
	protocol.MethodSignTransaction: {
		capability: CapSign,
		perAccount: true,
		parse:      parseSignTransaction,
		run: func(r *Router, tx storage.Tx, _ protocol.ProviderRequest, a args) (any, error) {
			return r.vault.SignTransaction(tx, a.Address, a.Payload)
		},
	},
	protocol.MethodSwitchChain: {
		capability: CapChainSwitch,
		parse:      parseSwitchChain,
		run: func(r *Router, tx storage.Tx, _ protocol.ProviderRequest, a args) (any, error) {
			return r.vault.SwitchChain(tx, a.ChainID)
		},
	},
}

// Capability returns the capability a method is gated on.
func Capability(name string) (string, bool) {
	m, ok := registry[name]
	return m.capability, ok
}

func noParams(params []json.RawMessage) (args, error) {
	if len(params) != 0 {
		return args{}, errInvalidParams
	}
	return args{}, nil
}

// signMessage(address, message)
func parseSignMessage(params []json.RawMessage) (args, error) {
	if len(params) != 2 {
		return args{}, errInvalidParams
	}
	var a args
	if err := decodeString(params[0], &a.Address); err != nil {
		return args{}, err
	}
	if err := decodeString(params[1], &a.Message); err != nil {
		return args{}, err
	}
	return a, nil
}

// signTransaction(address, transaction)
func parseSignTransaction(params []json.RawMessage) (args, error) {
	if len(params) != 2 {
		return args{}, errInvalidParams
	}
	var a args
	if err := decodeString(params[0], &a.Address); err != nil {
		return args{}, err
	}
	var tx map[string]any
	if err := json.Unmarshal(params[1], &tx); err != nil || tx == nil {
		return args{}, errInvalidParams
	}
	a.Payload = params[1]
	return a, nil
}

// switchChain(chainId)
func parseSwitchChain(params []json.RawMessage) (args, error) {
	if len(params) != 1 {
		return args{}, errInvalidParams
	}
	var a args
	if err := decodeString(params[0], &a.ChainID); err != nil {
		return args{}, err
	}
	if strings.TrimSpace(a.ChainID) == "" {
		return args{}, errInvalidParams
	}
	return a, nil
}

func decodeString(raw json.RawMessage, dst *string) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return errInvalidParams
	}
	return nil
}

// publicErrors are failures whose message is safe to show the page.
var publicErrors = []error{
	errInvalidParams,
	wallet.ErrLocked,
	wallet.ErrNotInitialized,
	wallet.ErrUnknownAccount,
	wallet.ErrUnknownChain,
	wallet.ErrInvalidPayload,
	trust.ErrInvalidOrigin,
}

// toOutcome maps an execution error to the page-visible outcome. The
// second result is false when err carried internal detail that was
// replaced by a generic message.
func toOutcome(err error) (protocol.Outcome, bool) {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return protocol.Fail(perr.Kind, perr.Message), true
	}
	for _, pub := range publicErrors {
		if errors.Is(err, pub) {
			return protocol.Fail(protocol.KindExecutionFailed, pub.Error()), true
		}
	}
	return protocol.Fail(protocol.KindExecutionFailed, ""), false
}
