package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mmeshcher/edcred-system/internal/model"
)

// TransferFunc выполняет исходящий перевод средств во внешнем расчётном слое.
// Ошибка перевода откатывает всю операцию вывода средств.
type TransferFunc func(ctx context.Context, to model.Address, amount int64) error

type claimKey struct {
	student model.Address
	testID  int64
}

// MemoryLedger хранит состояние реестра в памяти процесса.
// Каждая публичная операция выполняется целиком под мьютексом, поэтому ни одна
// операция не наблюдает частично применённых изменений другой. Используется,
// когда БД не настроена, и в тестах бизнес-логики.
type MemoryLedger struct {
	mu          sync.Mutex
	educators   map[model.Address]*model.Educator
	students    map[model.Address]*model.Student
	tests       []model.Test
	allowances  map[claimKey]bool
	credentials map[claimKey]bool
	events      []model.Event
	tokenURI    string
}

// NewMemoryLedger создаёт пустой реестр в памяти.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		educators:   make(map[model.Address]*model.Educator),
		students:    make(map[model.Address]*model.Student),
		allowances:  make(map[claimKey]bool),
		credentials: make(map[claimKey]bool),
	}
}

// Close освобождает ресурсы реестра. Для реестра в памяти ничего не делает.
func (l *MemoryLedger) Close() error { return nil }

func (l *MemoryLedger) appendEvent(e model.Event) {
	e.ID = int64(len(l.events)) + 1
	e.CreatedAt = time.Now()
	l.events = append(l.events, e)
}

// RegisterEducator активирует роль преподавателя для указанного адреса.
func (l *MemoryLedger) RegisterEducator(ctx context.Context, target model.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.educators[target]; ok && e.Active {
		return fmt.Errorf("%w: educator %s", ErrAlreadyRegistered, target)
	}

	l.educators[target] = &model.Educator{Address: target, Active: true}
	l.appendEvent(model.Event{Kind: model.EventEducatorAdded, Educator: target})
	return nil
}

// RegisterStudent активирует роль студента для указанного адреса.
func (l *MemoryLedger) RegisterStudent(ctx context.Context, target model.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.students[target]; ok && s.Active {
		return fmt.Errorf("%w: student %s", ErrAlreadyRegistered, target)
	}

	if s, ok := l.students[target]; ok {
		s.Active = true
	} else {
		l.students[target] = &model.Student{Address: target, Active: true}
	}
	l.appendEvent(model.Event{Kind: model.EventStudentAdded, Student: target})
	return nil
}

// CreateTest регистрирует новое испытание и возвращает его идентификатор.
// Идентификаторы выдаются плотно и монотонно; неудачная попытка идентификатор не расходует.
func (l *MemoryLedger) CreateTest(ctx context.Context, owner model.Address, price int64, contentHash string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.educators[owner]
	if !ok || !e.Active {
		return 0, fmt.Errorf("%w: %s is not an active educator", ErrUnauthorized, owner)
	}

	id := int64(len(l.tests))
	l.tests = append(l.tests, model.Test{
		ID:          id,
		Owner:       owner,
		ContentHash: contentHash,
		Price:       price,
	})
	e.TestsCreated++

	l.appendEvent(model.Event{Kind: model.EventTestCreated, Educator: owner, TestID: &id, Amount: &price})
	return id, nil
}

// CertifyCompletion фиксирует зачёт испытания студенту и открывает ему право
// на получение сертификата. Счётчики студента ведутся и до активации роли:
// право воспользоваться зачётом проверяется при получении сертификата.
func (l *MemoryLedger) CertifyCompletion(ctx context.Context, student model.Address, testID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if testID < 0 || testID >= int64(len(l.tests)) {
		return fmt.Errorf("%w: id %d", ErrUnknownTest, testID)
	}

	key := claimKey{student: student, testID: testID}
	if l.credentials[key] {
		return fmt.Errorf("%w: test %d", ErrAlreadyHeld, testID)
	}
	if l.allowances[key] {
		return fmt.Errorf("%w: test %d", ErrAlreadyAllowed, testID)
	}

	s, ok := l.students[student]
	if !ok {
		s = &model.Student{Address: student}
		l.students[student] = s
	}

	l.tests[testID].Completions++
	s.TestsCompleted++
	l.allowances[key] = true

	l.appendEvent(model.Event{Kind: model.EventTestValidated, Student: student, TestID: &testID})
	return nil
}

// ClaimCredential выпускает сертификат о прохождении испытания. Зачёт
// погашается одновременно с выпуском, повторная попытка завершится ErrNotAllowed.
func (l *MemoryLedger) ClaimCredential(ctx context.Context, student model.Address, testID int64, value int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.students[student]
	if !ok || !s.Active {
		return fmt.Errorf("%w: %s is not an active student", ErrUnauthorized, student)
	}

	key := claimKey{student: student, testID: testID}
	if !l.allowances[key] {
		return fmt.Errorf("%w: test %d", ErrNotAllowed, testID)
	}

	t := &l.tests[testID]
	if value != t.Price {
		return fmt.Errorf("%w: attached %d, price %d", ErrIncorrectPayment, value, t.Price)
	}

	owner := l.educators[t.Owner]
	owner.Pending += t.Price
	owner.LifetimePayout += t.Price
	t.LifetimePayout += t.Price

	delete(l.allowances, key)
	s.CredentialsMinted++
	l.credentials[key] = true

	l.appendEvent(model.Event{Kind: model.EventCredentialMinted, Student: student, TestID: &testID})
	return nil
}

// Withdraw обнуляет накопленный остаток преподавателя и выполняет внешний
// перевод как единое целое: пока операция не завершилась, никакая другая
// операция реестра не выполняется, а неудачный перевод возвращает остаток.
func (l *MemoryLedger) Withdraw(ctx context.Context, educator model.Address, transfer TransferFunc) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.educators[educator]
	if !ok || !e.Active {
		return 0, fmt.Errorf("%w: %s is not an active educator", ErrUnauthorized, educator)
	}
	if e.Pending == 0 {
		return 0, ErrNothingToWithdraw
	}

	amount := e.Pending
	e.Pending = 0

	if err := transfer(ctx, educator, amount); err != nil {
		e.Pending = amount
		return 0, fmt.Errorf("%w: %s", ErrTransferFailed, err)
	}

	l.appendEvent(model.Event{Kind: model.EventWithdrawn, Educator: educator, Amount: &amount})
	return amount, nil
}

// SetTokenURI обновляет общий адрес метаданных сертификатов.
func (l *MemoryLedger) SetTokenURI(ctx context.Context, uri string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tokenURI = uri
	return nil
}

// TokenURI возвращает общий адрес метаданных сертификатов.
func (l *MemoryLedger) TokenURI(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.tokenURI, nil
}

// GetEducator возвращает запись преподавателя.
func (l *MemoryLedger) GetEducator(ctx context.Context, addr model.Address) (*model.Educator, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.educators[addr]
	if !ok {
		return nil, fmt.Errorf("%w: educator %s", ErrNotFound, addr)
	}
	c := *e
	return &c, nil
}

// GetStudent возвращает запись студента.
func (l *MemoryLedger) GetStudent(ctx context.Context, addr model.Address) (*model.Student, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.students[addr]
	if !ok {
		return nil, fmt.Errorf("%w: student %s", ErrNotFound, addr)
	}
	c := *s
	return &c, nil
}

// GetTest возвращает запись испытания.
func (l *MemoryLedger) GetTest(ctx context.Context, id int64) (*model.Test, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id < 0 || id >= int64(len(l.tests)) {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownTest, id)
	}
	c := l.tests[id]
	return &c, nil
}

// TestsCount возвращает число созданных испытаний.
func (l *MemoryLedger) TestsCount(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return int64(len(l.tests)), nil
}

// IsAllowed сообщает, есть ли у студента непогашенный зачёт по испытанию.
func (l *MemoryLedger) IsAllowed(ctx context.Context, student model.Address, testID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.allowances[claimKey{student: student, testID: testID}], nil
}

// HasCredential сообщает, выпущен ли сертификат пары (студент, испытание).
func (l *MemoryLedger) HasCredential(ctx context.Context, student model.Address, testID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.credentials[claimKey{student: student, testID: testID}], nil
}

// ListEvents возвращает события с идентификатором больше afterID, не более limit штук.
func (l *MemoryLedger) ListEvents(ctx context.Context, afterID int64, limit int) ([]model.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var res []model.Event
	for _, e := range l.events {
		if e.ID <= afterID {
			continue
		}
		res = append(res, e)
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res, nil
}
