package confidential

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrimitives_Comparisons(t *testing.T) {
	f := setupConfidential(t)
	owner := testKey(t)

	a := f.admit(t, 10, U64, owner)
	b := f.admit(t, 20, U64, owner)

	cases := []struct {
		name string
		op   func(x, y Handle) (Handle, error)
		want uint64
	}{
		{"equals", f.prims.Equals, 0},
		{"less_or_equal", f.prims.LessOrEqual, 1},
		{"greater_than", f.prims.GreaterThan, 0},
		{"greater_or_equal", f.prims.GreaterOrEqual, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := tc.op(a, b)
			require.NoError(t, err)
			require.Equal(t, Bool, result.Kind)
			require.Equal(t, tc.want, f.decryptAs(t, result, owner))
		})
	}
}

func TestPrimitives_WidthMismatchRejected(t *testing.T) {
	f := setupConfidential(t)
	owner := testKey(t)

	wide := f.admit(t, 10, U64, owner)
	narrow := f.admit(t, 10, U8, owner)

	_, err := f.prims.Add(wide, narrow)
	require.ErrorIs(t, err, ErrWidthMismatch)
	_, err = f.prims.Equals(wide, narrow)
	require.ErrorIs(t, err, ErrWidthMismatch)
	_, err = f.prims.LessOrEqual(wide, narrow)
	require.ErrorIs(t, err, ErrWidthMismatch)
}

func TestPrimitives_ArithmeticWrapsAtWidth(t *testing.T) {
	f := setupConfidential(t)
	owner := testKey(t)

	a := f.admit(t, 200, U8, owner)
	b := f.admit(t, 100, U8, owner)

	sum, err := f.prims.Add(a, b)
	require.NoError(t, err)
	require.Equal(t, uint64((200+100)&0xff), f.decryptAs(t, sum, owner))

	diff, err := f.prims.Sub(b, a)
	require.NoError(t, err)
	require.Equal(t, uint64((100-200)&0xff), f.decryptAs(t, diff, owner))
}

func TestPrimitives_ScaleTruncates(t *testing.T) {
	f := setupConfidential(t)
	owner := testKey(t)

	amount := f.admit(t, 150, U64, owner)
	fee, err := f.prims.Scale(amount, 2, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(3), f.decryptAs(t, fee, owner))

	_, err = f.prims.Scale(amount, 1, 0)
	require.Error(t, err)
}

func TestPrimitives_DivEncryptedOperands(t *testing.T) {
	f := setupConfidential(t)
	owner := testKey(t)

	total := f.admit(t, 9, U64, owner)
	count := f.admit(t, 2, U64, owner)

	avg, err := f.prims.Div(total, count)
	require.NoError(t, err)
	require.Equal(t, uint64(4), f.decryptAs(t, avg, owner))
}

func TestPrimitives_DivByEncryptedZero(t *testing.T) {
	f := setupConfidential(t)
	owner := testKey(t)

	total := f.admit(t, 9, U64, owner)
	zero := f.admit(t, 0, U64, owner)

	// An error here would disclose that the divisor was zero.
	q, err := f.prims.Div(total, zero)
	require.NoError(t, err)
	require.Equal(t, uint64(0), f.decryptAs(t, q, owner))
}

func TestPrimitives_Select(t *testing.T) {
	f := setupConfidential(t)
	owner := testKey(t)

	a := f.admit(t, 11, U64, owner)
	b := f.admit(t, 22, U64, owner)

	cond, err := f.prims.LessOrEqual(a, b)
	require.NoError(t, err)

	picked, err := f.prims.Select(cond, a, b)
	require.NoError(t, err)
	require.Equal(t, uint64(11), f.decryptAs(t, picked, owner))

	_, err = f.prims.Select(a, a, b)
	require.ErrorIs(t, err, ErrWidthMismatch)
}

func TestPrimitives_RangeCheck(t *testing.T) {
	f := setupConfidential(t)
	owner := testKey(t)

	inside := f.admit(t, 3, U64, owner)
	outside := f.admit(t, 6, U64, owner)

	ok, err := f.prims.RangeCheck(inside, 1, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(1), f.decryptAs(t, ok, owner))

	bad, err := f.prims.RangeCheck(outside, 1, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(0), f.decryptAs(t, bad, owner))
}

func TestPrimitives_Proximity(t *testing.T) {
	f := setupConfidential(t)
	requester := testKey(t)
	courier := testKey(t)

	pickup := f.admit(t, PackLocation(1000, 2000), U64, requester)
	near := f.admit(t, PackLocation(1020, 2050), U64, courier)
	far := f.admit(t, PackLocation(5000, 9000), U64, courier)

	within, err := f.prims.Proximity(pickup, near, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(1), f.decryptAs(t, within, courier))

	beyond, err := f.prims.Proximity(pickup, far, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(0), f.decryptAs(t, beyond, courier))
}

func TestPrimitives_ConstantOwnedByCoordinator(t *testing.T) {
	f := setupConfidential(t)

	one, err := f.prims.Constant(U64, 1)
	require.NoError(t, err)
	require.True(t, one.Binding.Owner.Equal(f.coordinator))
	require.Equal(t, uint64(1), f.decryptAs(t, one, f.coordinator))
}

func TestPrimitives_GatedDecryptRequiresCapability(t *testing.T) {
	f := setupConfidential(t)
	owner := testKey(t)
	stranger := testKey(t)

	h := f.admit(t, 42, U64, owner)

	_, err := f.prims.GatedDecrypt(h, stranger)
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestPrimitives_EngineChecksIndependently(t *testing.T) {
	f := setupConfidential(t)
	owner := testKey(t)
	stranger := testKey(t)

	h := f.admit(t, 42, U64, owner)

	// Even bypassing the registry gate, the engine consults its own
	// authorizer before releasing plaintext.
	_, err := f.engine.Decrypt(h.ID, stranger)
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestPrimitives_DerivedResultHasNoDecryptHolders(t *testing.T) {
	f := setupConfidential(t)
	owner := testKey(t)

	a := f.admit(t, 1, U64, owner)
	b := f.admit(t, 2, U64, owner)
	sum, err := f.prims.Add(a, b)
	require.NoError(t, err)

	// Owner held Decrypt on both parents, but the derived handle starts
	// with no Decrypt holders at all.
	_, err = f.prims.GatedDecrypt(sum, owner)
	require.ErrorIs(t, err, ErrPermissionDenied)

	// Eligibility lets the owner be re-granted deliberately.
	require.NoError(t, f.registry.RegrantDecrypt(sum.ID, owner))
	v, err := f.prims.GatedDecrypt(sum, owner)
	require.NoError(t, err)
	require.Equal(t, uint64(3), v)
}
