package domain

import "fmt"

// AccountRole distinguishes the master account from copy-trading user
// accounts that mirror it.
type AccountRole string

const (
	RoleMaster AccountRole = "master"
	RoleUser   AccountRole = "user"
)

// BrokerKind identifies which exchange adapter an account trades through.
type BrokerKind string

const (
	BrokerCoinbase BrokerKind = "coinbase"
	BrokerKraken   BrokerKind = "kraken"
	BrokerAlpaca   BrokerKind = "alpaca"
	// BrokerPaper is the in-process simulated broker used for paper trading
	// and tests.
	BrokerPaper BrokerKind = "paper"
)

// ParseBrokerKind validates a broker kind string from configuration.
func ParseBrokerKind(s string) (BrokerKind, error) {
	switch BrokerKind(s) {
	case BrokerCoinbase, BrokerKraken, BrokerAlpaca, BrokerPaper:
		return BrokerKind(s), nil
	default:
		return "", fmt.Errorf("unknown broker kind %q", s)
	}
}

// ConnectionState tracks the lifecycle of an account's exchange session.
type ConnectionState string

const (
	StateDisconnected    ConnectionState = "disconnected"
	StateConnecting      ConnectionState = "connecting"
	StateConnected       ConnectionState = "connected"
	StatePermissionError ConnectionState = "permission_error"
	StateCircuitOpen     ConnectionState = "circuit_open"
)

// Account is a single brokerage account managed by the bot. A master account
// is created first for each broker kind and is a prerequisite for any user
// account of the same kind.
type Account struct {
	ID    string
	Role  AccountRole
	Kind  BrokerKind
	State ConnectionState
}

// IsMaster reports whether this account leads copy trading for its kind.
func (a Account) IsMaster() bool {
	return a.Role == RoleMaster
}
