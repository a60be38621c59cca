// Package service реализует бизнес-логику реестра учебных сертификатов.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmeshcher/edcred-system/internal/ledger"
	"github.com/mmeshcher/edcred-system/internal/model"
)

// Repository описывает контракт хранилища реестра, используемый сервисом.
// Каждый изменяющий метод выполняется как одна неделимая операция.
type Repository interface {
	Close() error
	RegisterEducator(ctx context.Context, target model.Address) error
	RegisterStudent(ctx context.Context, target model.Address) error
	CreateTest(ctx context.Context, owner model.Address, price int64, contentHash string) (int64, error)
	CertifyCompletion(ctx context.Context, student model.Address, testID int64) error
	ClaimCredential(ctx context.Context, student model.Address, testID int64, value int64) error
	Withdraw(ctx context.Context, educator model.Address, transfer ledger.TransferFunc) (int64, error)
	SetTokenURI(ctx context.Context, uri string) error
	TokenURI(ctx context.Context) (string, error)
	GetEducator(ctx context.Context, addr model.Address) (*model.Educator, error)
	GetStudent(ctx context.Context, addr model.Address) (*model.Student, error)
	GetTest(ctx context.Context, id int64) (*model.Test, error)
	TestsCount(ctx context.Context) (int64, error)
	IsAllowed(ctx context.Context, student model.Address, testID int64) (bool, error)
	HasCredential(ctx context.Context, student model.Address, testID int64) (bool, error)
	ListEvents(ctx context.Context, afterID int64, limit int) ([]model.Event, error)
}

// Transferer выполняет исходящие переводы во внешнем расчётном слое.
type Transferer interface {
	Transfer(ctx context.Context, to model.Address, amount int64) error
}

// Service содержит бизнес-логику реестра. Адрес регистратора задаётся один раз
// при создании и проверяется для каждой административной операции.
type Service struct {
	repo       Repository
	settlement Transferer
	registrar  model.Address
}

// NewService создаёт новый сервис с указанным хранилищем, расчётным клиентом
// и адресом регистратора.
func NewService(repo Repository, settlement Transferer, registrar model.Address) *Service {
	return &Service{
		repo:       repo,
		settlement: settlement,
		registrar:  registrar,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) requireRegistrar(caller model.Address) error {
	if caller != s.registrar {
		return fmt.Errorf("%w: caller is not the registrar", ledger.ErrUnauthorized)
	}
	return nil
}

// RegisterEducator выдаёт роль преподавателя. Доступно только регистратору.
func (s *Service) RegisterEducator(ctx context.Context, caller, target model.Address) error {
	if err := s.requireRegistrar(caller); err != nil {
		return err
	}
	return s.repo.RegisterEducator(ctx, target)
}

// RegisterStudent выдаёт роль студента. Доступно только регистратору.
func (s *Service) RegisterStudent(ctx context.Context, caller, target model.Address) error {
	if err := s.requireRegistrar(caller); err != nil {
		return err
	}
	return s.repo.RegisterStudent(ctx, target)
}

// CertifyCompletion засчитывает студенту прохождение испытания. Доступно только регистратору.
func (s *Service) CertifyCompletion(ctx context.Context, caller, student model.Address, testID int64) error {
	if err := s.requireRegistrar(caller); err != nil {
		return err
	}
	return s.repo.CertifyCompletion(ctx, student, testID)
}

// SetTokenURI обновляет общий адрес метаданных сертификатов. Доступно только регистратору.
func (s *Service) SetTokenURI(ctx context.Context, caller model.Address, uri string) error {
	if err := s.requireRegistrar(caller); err != nil {
		return err
	}
	return s.repo.SetTokenURI(ctx, uri)
}

// CreateTest публикует новое испытание от имени преподавателя.
func (s *Service) CreateTest(ctx context.Context, caller model.Address, price int64, contentHash string) (int64, error) {
	if price < 0 {
		return 0, errors.New("test price must be non-negative")
	}
	return s.repo.CreateTest(ctx, caller, price, contentHash)
}

// ClaimCredential выпускает студенту сертификат о прохождении испытания.
func (s *Service) ClaimCredential(ctx context.Context, caller model.Address, testID int64, value int64) error {
	if value < 0 {
		return errors.New("attached value must be non-negative")
	}
	return s.repo.ClaimCredential(ctx, caller, testID, value)
}

// Withdraw выводит накопленный остаток преподавателя через внешний расчётный
// слой. Списание остатка и перевод фиксируются как одно целое.
func (s *Service) Withdraw(ctx context.Context, caller model.Address) (int64, error) {
	return s.repo.Withdraw(ctx, caller, s.transferOut)
}

func (s *Service) transferOut(ctx context.Context, to model.Address, amount int64) error {
	if s.settlement == nil {
		return errors.New("settlement layer is not configured")
	}
	return s.settlement.Transfer(ctx, to, amount)
}

// IsEducator сообщает, активна ли роль преподавателя у адреса.
func (s *Service) IsEducator(ctx context.Context, addr model.Address) (bool, error) {
	e, err := s.repo.GetEducator(ctx, addr)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return e.Active, nil
}

// IsStudent сообщает, активна ли роль студента у адреса.
func (s *Service) IsStudent(ctx context.Context, addr model.Address) (bool, error) {
	st, err := s.repo.GetStudent(ctx, addr)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return st.Active, nil
}

// GetEducator возвращает запись преподавателя.
func (s *Service) GetEducator(ctx context.Context, addr model.Address) (*model.Educator, error) {
	return s.repo.GetEducator(ctx, addr)
}

// GetStudent возвращает запись студента.
func (s *Service) GetStudent(ctx context.Context, addr model.Address) (*model.Student, error) {
	return s.repo.GetStudent(ctx, addr)
}

// GetBalance возвращает невыведенный остаток и накопленные выплаты преподавателя.
func (s *Service) GetBalance(ctx context.Context, addr model.Address) (*model.Balance, error) {
	e, err := s.repo.GetEducator(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &model.Balance{
		Pending:        e.Pending,
		LifetimePayout: e.LifetimePayout,
	}, nil
}

// GetTest возвращает запись испытания.
func (s *Service) GetTest(ctx context.Context, id int64) (*model.Test, error) {
	return s.repo.GetTest(ctx, id)
}

// TestsCount возвращает число созданных испытаний.
func (s *Service) TestsCount(ctx context.Context) (int64, error) {
	return s.repo.TestsCount(ctx)
}

// IsAllowed сообщает, есть ли у студента непогашенный зачёт по испытанию.
func (s *Service) IsAllowed(ctx context.Context, student model.Address, testID int64) (bool, error) {
	return s.repo.IsAllowed(ctx, student, testID)
}

// HasCredential сообщает, выпущен ли сертификат пары (студент, испытание).
func (s *Service) HasCredential(ctx context.Context, student model.Address, testID int64) (bool, error) {
	return s.repo.HasCredential(ctx, student, testID)
}

// TokenURI возвращает общий адрес метаданных сертификатов.
func (s *Service) TokenURI(ctx context.Context) (string, error) {
	return s.repo.TokenURI(ctx)
}

// ListEvents возвращает события реестра в порядке их фиксации.
func (s *Service) ListEvents(ctx context.Context, afterID int64, limit int) ([]model.Event, error) {
	return s.repo.ListEvents(ctx, afterID, limit)
}
