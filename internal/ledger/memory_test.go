package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/edcred-system/internal/model"
)

const (
	educatorAddr = model.Address("0x1111111111111111111111111111111111111111")
	studentAddr  = model.Address("0x2222222222222222222222222222222222222222")
	strangerAddr = model.Address("0x3333333333333333333333333333333333333333")
)

func noopTransfer(ctx context.Context, to model.Address, amount int64) error {
	return nil
}

func TestRegisterEducator_SecondCallRejected(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	require.NoError(t, l.RegisterEducator(ctx, educatorAddr))

	err := l.RegisterEducator(ctx, educatorAddr)
	require.ErrorIs(t, err, ErrAlreadyRegistered)

	e, err := l.GetEducator(ctx, educatorAddr)
	require.NoError(t, err)
	assert.True(t, e.Active, "role flag must survive the rejected retry")
}

func TestRegisterStudent_SecondCallRejected(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	require.NoError(t, l.RegisterStudent(ctx, studentAddr))
	require.ErrorIs(t, l.RegisterStudent(ctx, studentAddr), ErrAlreadyRegistered)
}

func TestCreateTest_DenseMonotonicIDs(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	require.NoError(t, l.RegisterEducator(ctx, educatorAddr))

	for want := int64(0); want < 3; want++ {
		id, err := l.CreateTest(ctx, educatorAddr, 100, "hash")
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}

	// Неудачная попытка постороннего не расходует идентификатор.
	_, err := l.CreateTest(ctx, strangerAddr, 100, "hash")
	require.ErrorIs(t, err, ErrUnauthorized)

	id, err := l.CreateTest(ctx, educatorAddr, 100, "hash")
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)

	n, err := l.TestsCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	e, err := l.GetEducator(ctx, educatorAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(4), e.TestsCreated)
}

func TestCertifyCompletion_Errors(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	require.NoError(t, l.RegisterEducator(ctx, educatorAddr))
	require.NoError(t, l.RegisterStudent(ctx, studentAddr))

	err := l.CertifyCompletion(ctx, studentAddr, 7)
	require.ErrorIs(t, err, ErrUnknownTest)

	id, err := l.CreateTest(ctx, educatorAddr, 0, "hash")
	require.NoError(t, err)

	require.NoError(t, l.CertifyCompletion(ctx, studentAddr, id))

	// Повторный зачёт до получения сертификата.
	require.ErrorIs(t, l.CertifyCompletion(ctx, studentAddr, id), ErrAlreadyAllowed)

	require.NoError(t, l.ClaimCredential(ctx, studentAddr, id, 0))

	// Повторный зачёт после выпуска сертификата.
	require.ErrorIs(t, l.CertifyCompletion(ctx, studentAddr, id), ErrAlreadyHeld)
}

func TestCertifyCompletion_CountsOnce(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	require.NoError(t, l.RegisterEducator(ctx, educatorAddr))
	require.NoError(t, l.RegisterStudent(ctx, studentAddr))

	id, err := l.CreateTest(ctx, educatorAddr, 100, "hash")
	require.NoError(t, err)

	require.NoError(t, l.CertifyCompletion(ctx, studentAddr, id))
	_ = l.CertifyCompletion(ctx, studentAddr, id)

	tst, err := l.GetTest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tst.Completions)

	s, err := l.GetStudent(ctx, studentAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.TestsCompleted)

	allowed, err := l.IsAllowed(ctx, studentAddr, id)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestClaimCredential_RequiresActiveStudent(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	require.NoError(t, l.RegisterEducator(ctx, educatorAddr))
	id, err := l.CreateTest(ctx, educatorAddr, 100, "hash")
	require.NoError(t, err)

	// Зачёт возможен и до активации роли, но получить сертификат нельзя.
	require.NoError(t, l.CertifyCompletion(ctx, strangerAddr, id))
	require.ErrorIs(t, l.ClaimCredential(ctx, strangerAddr, id, 100), ErrUnauthorized)
}

func TestClaimCredential_RequiresAllowance(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	require.NoError(t, l.RegisterEducator(ctx, educatorAddr))
	require.NoError(t, l.RegisterStudent(ctx, studentAddr))

	id, err := l.CreateTest(ctx, educatorAddr, 100, "hash")
	require.NoError(t, err)

	require.ErrorIs(t, l.ClaimCredential(ctx, studentAddr, id, 100), ErrNotAllowed)
}

func TestClaimCredential_ExactPayment(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	require.NoError(t, l.RegisterEducator(ctx, educatorAddr))
	require.NoError(t, l.RegisterStudent(ctx, studentAddr))

	id, err := l.CreateTest(ctx, educatorAddr, 100, "hash")
	require.NoError(t, err)
	require.NoError(t, l.CertifyCompletion(ctx, studentAddr, id))

	require.ErrorIs(t, l.ClaimCredential(ctx, studentAddr, id, 99), ErrIncorrectPayment)
	require.ErrorIs(t, l.ClaimCredential(ctx, studentAddr, id, 101), ErrIncorrectPayment)

	// Неудачные попытки не гасят зачёт.
	allowed, err := l.IsAllowed(ctx, studentAddr, id)
	require.NoError(t, err)
	assert.True(t, allowed)

	require.NoError(t, l.ClaimCredential(ctx, studentAddr, id, 100))
}

func TestClaimCredential_FreeTestAcceptsOnlyZero(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	require.NoError(t, l.RegisterEducator(ctx, educatorAddr))
	require.NoError(t, l.RegisterStudent(ctx, studentAddr))

	id, err := l.CreateTest(ctx, educatorAddr, 0, "hash")
	require.NoError(t, err)
	require.NoError(t, l.CertifyCompletion(ctx, studentAddr, id))

	require.ErrorIs(t, l.ClaimCredential(ctx, studentAddr, id, 1), ErrIncorrectPayment)
	require.NoError(t, l.ClaimCredential(ctx, studentAddr, id, 0))

	e, err := l.GetEducator(ctx, educatorAddr)
	require.NoError(t, err)
	assert.Zero(t, e.Pending)
}

func TestClaimCredential_ConsumedExactlyOnce(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	require.NoError(t, l.RegisterEducator(ctx, educatorAddr))
	require.NoError(t, l.RegisterStudent(ctx, studentAddr))

	id, err := l.CreateTest(ctx, educatorAddr, 100, "hash")
	require.NoError(t, err)
	require.NoError(t, l.CertifyCompletion(ctx, studentAddr, id))
	require.NoError(t, l.ClaimCredential(ctx, studentAddr, id, 100))

	// Повторная подача того же запроса не выпускает второй сертификат.
	require.ErrorIs(t, l.ClaimCredential(ctx, studentAddr, id, 100), ErrNotAllowed)

	s, err := l.GetStudent(ctx, studentAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.CredentialsMinted)

	held, err := l.HasCredential(ctx, studentAddr, id)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestClaim_AccruesPayouts(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	require.NoError(t, l.RegisterEducator(ctx, educatorAddr))

	const price = int64(250)
	id, err := l.CreateTest(ctx, educatorAddr, price, "hash")
	require.NoError(t, err)

	students := []model.Address{
		"0x4444444444444444444444444444444444444444",
		"0x5555555555555555555555555555555555555555",
		"0x6666666666666666666666666666666666666666",
	}
	for _, st := range students {
		require.NoError(t, l.RegisterStudent(ctx, st))
		require.NoError(t, l.CertifyCompletion(ctx, st, id))
		require.NoError(t, l.ClaimCredential(ctx, st, id, price))
	}

	tst, err := l.GetTest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, price*int64(len(students)), tst.LifetimePayout)

	e, err := l.GetEducator(ctx, educatorAddr)
	require.NoError(t, err)
	assert.Equal(t, price*int64(len(students)), e.Pending)
	assert.Equal(t, price*int64(len(students)), e.LifetimePayout)
}

func TestWithdraw_NothingToWithdraw(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	require.NoError(t, l.RegisterEducator(ctx, educatorAddr))

	_, err := l.Withdraw(ctx, educatorAddr, noopTransfer)
	require.ErrorIs(t, err, ErrNothingToWithdraw)
}

func TestWithdraw_TransferFailureRestoresPending(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	require.NoError(t, l.RegisterEducator(ctx, educatorAddr))
	require.NoError(t, l.RegisterStudent(ctx, studentAddr))

	id, err := l.CreateTest(ctx, educatorAddr, 100, "hash")
	require.NoError(t, err)
	require.NoError(t, l.CertifyCompletion(ctx, studentAddr, id))
	require.NoError(t, l.ClaimCredential(ctx, studentAddr, id, 100))

	failing := func(ctx context.Context, to model.Address, amount int64) error {
		return errors.New("settlement offline")
	}

	_, err = l.Withdraw(ctx, educatorAddr, failing)
	require.ErrorIs(t, err, ErrTransferFailed)

	e, err := l.GetEducator(ctx, educatorAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(100), e.Pending, "failed transfer must not lose funds")
}

func TestFullScenario(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	require.NoError(t, l.RegisterEducator(ctx, educatorAddr))
	require.NoError(t, l.RegisterStudent(ctx, studentAddr))

	id, err := l.CreateTest(ctx, educatorAddr, 100, "sha256:abc")
	require.NoError(t, err)
	require.Equal(t, int64(0), id)

	require.NoError(t, l.CertifyCompletion(ctx, studentAddr, id))
	require.NoError(t, l.ClaimCredential(ctx, studentAddr, id, 100))

	held, err := l.HasCredential(ctx, studentAddr, id)
	require.NoError(t, err)
	assert.True(t, held)

	e, err := l.GetEducator(ctx, educatorAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(100), e.Pending)

	var transferred int64
	recording := func(ctx context.Context, to model.Address, amount int64) error {
		transferred += amount
		return nil
	}

	amount, err := l.Withdraw(ctx, educatorAddr, recording)
	require.NoError(t, err)
	assert.Equal(t, int64(100), amount)
	assert.Equal(t, int64(100), transferred)

	e, err = l.GetEducator(ctx, educatorAddr)
	require.NoError(t, err)
	assert.Zero(t, e.Pending)
	assert.Equal(t, int64(100), e.LifetimePayout)

	require.ErrorIs(t, l.ClaimCredential(ctx, studentAddr, id, 100), ErrNotAllowed)
}

func TestEvents_FollowCommitOrder(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	require.NoError(t, l.RegisterEducator(ctx, educatorAddr))
	require.NoError(t, l.RegisterStudent(ctx, studentAddr))

	id, err := l.CreateTest(ctx, educatorAddr, 100, "hash")
	require.NoError(t, err)
	require.NoError(t, l.CertifyCompletion(ctx, studentAddr, id))
	require.NoError(t, l.ClaimCredential(ctx, studentAddr, id, 100))

	_, err = l.Withdraw(ctx, educatorAddr, noopTransfer)
	require.NoError(t, err)

	events, err := l.ListEvents(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 6)

	kinds := make([]model.EventKind, 0, len(events))
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.ID)
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []model.EventKind{
		model.EventEducatorAdded,
		model.EventStudentAdded,
		model.EventTestCreated,
		model.EventTestValidated,
		model.EventCredentialMinted,
		model.EventWithdrawn,
	}, kinds)

	// Неудачная операция событий не оставляет.
	require.Error(t, l.RegisterEducator(ctx, educatorAddr))
	after, err := l.ListEvents(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, after, 6)

	// Пагинация по идентификатору.
	tail, err := l.ListEvents(ctx, 4, 10)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, model.EventCredentialMinted, tail[0].Kind)
}

func TestTokenURI_RoundTrip(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	uri, err := l.TokenURI(ctx)
	require.NoError(t, err)
	assert.Empty(t, uri)

	require.NoError(t, l.SetTokenURI(ctx, "ipfs://metadata"))

	uri, err = l.TokenURI(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ipfs://metadata", uri)
}
