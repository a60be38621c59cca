// Package model содержит доменные сущности реестра учебных сертификатов.
package model

import "time"

// Address — идентификатор участника системы (hex-адрес кошелька).
type Address string

// Educator описывает преподавателя, зарегистрированного регистратором.
type Educator struct {
	Address        Address
	Active         bool
	TestsCreated   int64
	LifetimePayout int64
	Pending        int64
}

// Student описывает студента, зарегистрированного регистратором.
type Student struct {
	Address           Address
	Active            bool
	TestsCompleted    int64
	CredentialsMinted int64
}

// Test описывает опубликованное преподавателем испытание и его финансовые счётчики.
// Поля Owner, ContentHash и Price неизменяемы после создания.
type Test struct {
	ID             int64
	Owner          Address
	ContentHash    string
	Price          int64
	LifetimePayout int64
	Completions    int64
}

// Balance содержит невыведенный остаток преподавателя и накопленную сумму выплат.
type Balance struct {
	Pending        int64 `json:"pending"`
	LifetimePayout int64 `json:"lifetime_payout"`
}

// EventKind описывает тип события реестра.
type EventKind string

const (
	EventEducatorAdded    EventKind = "EDUCATOR_ADDED"
	EventStudentAdded     EventKind = "STUDENT_ADDED"
	EventTestCreated      EventKind = "TEST_CREATED"
	EventTestValidated    EventKind = "TEST_VALIDATED"
	EventCredentialMinted EventKind = "CREDENTIAL_MINTED"
	EventWithdrawn        EventKind = "WITHDRAWN"
)

// Event — запись о совершённом изменении состояния реестра.
// Порядок идентификаторов событий совпадает с порядком фиксации операций.
type Event struct {
	ID        int64     `json:"id"`
	Kind      EventKind `json:"kind"`
	Educator  Address   `json:"educator,omitempty"`
	Student   Address   `json:"student,omitempty"`
	TestID    *int64    `json:"test_id,omitempty"`
	Amount    *int64    `json:"amount,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
