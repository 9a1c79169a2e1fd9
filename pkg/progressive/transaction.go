package progressive

import "time"

// TransactionState is the lifecycle state of a jackpot transaction.
type TransactionState int

const (
	TxHit          TransactionState = 0
	TxPending      TransactionState = 1
	TxCommitted    TransactionState = 2
	TxAcknowledged TransactionState = 3
	TxFailed       TransactionState = 4
)

var transactionStateNames = map[TransactionState]string{
	TxHit:          "Hit",
	TxPending:      "Pending",
	TxCommitted:    "Committed",
	TxAcknowledged: "Acknowledged",
	TxFailed:       "Failed",
}

func (s TransactionState) String() string {
	return enumName(transactionStateNames, s, "TransactionState")
}

func (s TransactionState) MarshalJSON() ([]byte, error) {
	return marshalEnum(transactionStateNames, s)
}

func (s *TransactionState) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(transactionStateNames, data, "TransactionState", s)
}

// Terminal reports whether no further transition is possible.
func (s TransactionState) Terminal() bool {
	return s == TxAcknowledged || s == TxFailed
}

// LevelState returns the level state mirroring an open transaction state.
func (s TransactionState) LevelState() LevelState {
	switch s {
	case TxHit:
		return StateHit
	case TxPending:
		return StatePending
	case TxCommitted:
		return StateCommitted
	default:
		return StateReady
	}
}

// PayMethod is how an awarded amount was paid.
type PayMethod int

const (
	PayHandpay PayMethod = 0
	PayCredits PayMethod = 1
	PayVoucher PayMethod = 2
	PayWat     PayMethod = 3
)

var payMethodNames = map[PayMethod]string{
	PayHandpay: "Handpay",
	PayCredits: "Credits",
	PayVoucher: "Voucher",
	PayWat:     "Wat",
}

// ParsePayMethod matches a pay method name in any case.
func ParsePayMethod(name string) (PayMethod, bool) { return parseEnum(payMethodNames, name) }

func (p PayMethod) String() string { return enumName(payMethodNames, p, "PayMethod") }

func (p PayMethod) MarshalJSON() ([]byte, error) { return marshalEnum(payMethodNames, p) }

func (p *PayMethod) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(payMethodNames, data, "PayMethod", p)
}

// ExceptionCode records why a transaction failed.
type ExceptionCode int

const (
	ExceptionNone             ExceptionCode = 0
	ExceptionHostRejected     ExceptionCode = 1
	ExceptionTimeout          ExceptionCode = 2
	ExceptionCancelled        ExceptionCode = 3
	ExceptionLevelResetFailed ExceptionCode = 4
	ExceptionMismatch         ExceptionCode = 5
)

var exceptionCodeNames = map[ExceptionCode]string{
	ExceptionNone:             "None",
	ExceptionHostRejected:     "HostRejected",
	ExceptionTimeout:          "Timeout",
	ExceptionCancelled:        "Cancelled",
	ExceptionLevelResetFailed: "LevelResetFailed",
	ExceptionMismatch:         "Mismatch",
}

// ParseExceptionCode matches an exception code name in any case.
func ParseExceptionCode(name string) (ExceptionCode, bool) {
	return parseEnum(exceptionCodeNames, name)
}

func (c ExceptionCode) String() string { return enumName(exceptionCodeNames, c, "ExceptionCode") }

func (c ExceptionCode) MarshalJSON() ([]byte, error) { return marshalEnum(exceptionCodeNames, c) }

func (c *ExceptionCode) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(exceptionCodeNames, data, "ExceptionCode", c)
}

// JackpotTransaction is the durable ledger record of one hit. It is never
// deleted; every transition is persisted before it is published.
type JackpotTransaction struct {
	TransactionID         int64                   `json:"transaction_id"`
	Key                   LevelKey                `json:"key"`
	LevelName             string                  `json:"level_name"`
	WinLevelIndex         int                     `json:"win_level_index"`
	ResetValue            int64                   `json:"reset_value"`
	ValueAmount           int64                   `json:"value_amount"`
	ValueText             string                  `json:"value_text"`
	ValueSequence         int64                   `json:"value_sequence"`
	Residual              int64                   `json:"residual"`
	AssignedProgressiveID AssignableProgressiveID `json:"assigned_progressive_id"`
	LevelSnapshot         LevelConfig             `json:"level_snapshot"`
	State                 TransactionState        `json:"state"`
	WinAmount             int64                   `json:"win_amount"`
	WinText               string                  `json:"win_text"`
	WinSequence           int64                   `json:"win_sequence"`
	PayMethod             PayMethod               `json:"pay_method"`
	PaidAmount            int64                   `json:"paid_amount"`
	Exception             ExceptionCode           `json:"exception"`
	PaidAt                time.Time               `json:"paid_date_time"`
	HitAt                 time.Time               `json:"hit_date_time"`
	StateEnteredAt        time.Time               `json:"state_entered_at"`
	ProtocolName          string                  `json:"protocol_name,omitempty"`
	Recovering            bool                    `json:"-"`
}

// TransactionView is an immutable snapshot of a transaction.
type TransactionView JackpotTransaction

// Clone returns an independent copy.
func (t *JackpotTransaction) Clone() *JackpotTransaction {
	c := *t
	return &c
}

// View returns a snapshot of the transaction.
func (t *JackpotTransaction) View() TransactionView {
	return TransactionView(*t)
}

// Open reports whether the transaction still has to be resumed or closed.
func (t *JackpotTransaction) Open() bool {
	return !t.State.Terminal()
}

// Linked reports whether the transaction is brokered by a linked protocol.
func (t *JackpotTransaction) Linked() bool {
	return t.AssignedProgressiveID.Type == AssignableLinked
}

// PendingPayout is a committed award waiting to be paid.
type PendingPayout struct {
	TransactionID int64     `json:"transaction_id"`
	Key           LevelKey  `json:"key"`
	LevelName     string    `json:"level_name"`
	Amount        int64     `json:"amount"`
	PayMethod     PayMethod `json:"pay_method"`
	CommittedAt   time.Time `json:"committed_at"`
}
