// Package ledger определяет контракт хранилища реестра и его реализацию в памяти.
package ledger

import "errors"

// ErrUnauthorized возвращается, когда у вызывающего нет роли, требуемой операцией.
var (
	ErrUnauthorized = errors.New("caller is not authorized for this operation")
	// ErrAlreadyRegistered возвращается при повторной выдаче уже активной роли.
	ErrAlreadyRegistered = errors.New("role already registered")
	// ErrUnknownTest возвращается при обращении к несуществующему испытанию.
	ErrUnknownTest = errors.New("test does not exist")
	// ErrAlreadyHeld возвращается при попытке засчитать испытание, сертификат по которому уже выпущен.
	ErrAlreadyHeld = errors.New("credential already held by student")
	// ErrAlreadyAllowed возвращается при повторном зачёте до получения сертификата.
	ErrAlreadyAllowed = errors.New("completion already validated")
	// ErrNotAllowed возвращается при попытке получить сертификат без действующего зачёта.
	ErrNotAllowed = errors.New("student is not allowed to mint this credential")
	// ErrIncorrectPayment возвращается, когда приложенная сумма не равна цене испытания.
	ErrIncorrectPayment = errors.New("attached value does not match test price")
	// ErrNothingToWithdraw возвращается при выводе средств с нулевым остатком.
	ErrNothingToWithdraw = errors.New("nothing to withdraw")
	// ErrTransferFailed возвращается, если внешний перевод средств не удался; операция полностью откатывается.
	ErrTransferFailed = errors.New("outward transfer failed")
	// ErrNotFound возвращается запросами чтения, если запись отсутствует.
	ErrNotFound = errors.New("record not found")
)
