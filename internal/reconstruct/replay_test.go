package reconstruct

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clouvelai/kalshibook-sub001/internal/model"
)

func delta(seq int64, offset time.Duration, price, amount int, side model.Side) model.OrderbookDelta {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return model.OrderbookDelta{
		ID:          uuid.New(),
		Ticker:      "MKT-A",
		TS:          base.Add(offset),
		Seq:         seq,
		PriceCents:  price,
		DeltaAmount: amount,
		Side:        side,
	}
}

func TestReplay_LevelRemovedAtZero(t *testing.T) {
	basis := model.OrderbookSnapshot{
		Ticker:    "MKT-A",
		Sequence:  0,
		YesLevels: []model.PriceLevel{{PriceCents: 95, Quantity: 10}},
	}

	// Quantity at 95 drains to zero at seq 1; a fresh level appears at 90.
	deltas := []model.OrderbookDelta{
		delta(1, 30*time.Second, 95, -10, model.SideYes),
		delta(2, 60*time.Second, 90, 5, model.SideYes),
	}

	yes, no, err := Replay(basis, deltas[:1], PolicyClamp)
	require.NoError(t, err)
	assert.Empty(t, yes)
	assert.Empty(t, no)

	yes, _, err = Replay(basis, deltas, PolicyClamp)
	require.NoError(t, err)
	assert.Equal(t, []model.PriceLevel{{PriceCents: 90, Quantity: 5}}, yes)
}

func TestReplay_RedeliveredSequenceAppliedOnce(t *testing.T) {
	basis := model.OrderbookSnapshot{
		Ticker:    "MKT-A",
		Sequence:  0,
		YesLevels: []model.PriceLevel{{PriceCents: 50, Quantity: 10}},
	}

	// A restart between deliveries stores the same delta twice under
	// distinct row ids. Replay must count seq 1 once.
	dup := delta(1, 0, 50, 5, model.SideYes)
	redelivered := dup
	redelivered.ID = uuid.New()
	deltas := []model.OrderbookDelta{
		dup,
		redelivered,
		delta(2, time.Second, 50, 2, model.SideYes),
	}

	yes, _, err := Replay(basis, deltas, PolicyClamp)
	require.NoError(t, err)
	assert.Equal(t, []model.PriceLevel{{PriceCents: 50, Quantity: 17}}, yes)
}

func TestReplay_SkipsDeltasAtOrBelowBasisSequence(t *testing.T) {
	basis := model.OrderbookSnapshot{
		Ticker:    "MKT-A",
		Sequence:  5,
		YesLevels: []model.PriceLevel{{PriceCents: 50, Quantity: 10}},
	}
	deltas := []model.OrderbookDelta{
		delta(4, 0, 50, 100, model.SideYes), // already in the basis
		delta(5, 0, 50, 100, model.SideYes), // already in the basis
		delta(6, 0, 50, 3, model.SideYes),
	}

	yes, _, err := Replay(basis, deltas, PolicyStrict)
	require.NoError(t, err)
	assert.Equal(t, []model.PriceLevel{{PriceCents: 50, Quantity: 13}}, yes)
}

func TestReplay_StrictFailsOnNegative(t *testing.T) {
	basis := model.OrderbookSnapshot{
		Ticker:    "MKT-A",
		Sequence:  0,
		YesLevels: []model.PriceLevel{{PriceCents: 50, Quantity: 5}},
	}
	deltas := []model.OrderbookDelta{
		delta(1, 0, 50, -8, model.SideYes),
	}

	_, _, err := Replay(basis, deltas, PolicyStrict)
	var integrityErr *IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	assert.Equal(t, int64(1), integrityErr.Seq)
	assert.Equal(t, 50, integrityErr.PriceCents)
	assert.Equal(t, int64(-3), integrityErr.Quantity)
}

func TestReplay_ClampRemovesNegative(t *testing.T) {
	basis := model.OrderbookSnapshot{
		Ticker:    "MKT-A",
		Sequence:  0,
		YesLevels: []model.PriceLevel{{PriceCents: 50, Quantity: 5}},
		NoLevels:  []model.PriceLevel{{PriceCents: 40, Quantity: 1}},
	}
	deltas := []model.OrderbookDelta{
		delta(1, 0, 50, -8, model.SideYes),
	}

	yes, no, err := Replay(basis, deltas, PolicyClamp)
	require.NoError(t, err)
	assert.Empty(t, yes)
	assert.Equal(t, []model.PriceLevel{{PriceCents: 40, Quantity: 1}}, no)
}

func TestReplay_SidesAreIndependent(t *testing.T) {
	basis := model.OrderbookSnapshot{
		Ticker:    "MKT-A",
		Sequence:  0,
		YesLevels: []model.PriceLevel{{PriceCents: 50, Quantity: 5}},
		NoLevels:  []model.PriceLevel{{PriceCents: 50, Quantity: 7}},
	}
	deltas := []model.OrderbookDelta{
		delta(1, 0, 50, -5, model.SideYes),
	}

	yes, no, err := Replay(basis, deltas, PolicyStrict)
	require.NoError(t, err)
	assert.Empty(t, yes)
	assert.Equal(t, []model.PriceLevel{{PriceCents: 50, Quantity: 7}}, no)
}

func TestReplay_OutputSortedDescending(t *testing.T) {
	basis := model.OrderbookSnapshot{Ticker: "MKT-A", Sequence: 0}
	deltas := []model.OrderbookDelta{
		delta(1, 0, 30, 1, model.SideYes),
		delta(2, 0, 70, 2, model.SideYes),
		delta(3, 0, 50, 3, model.SideYes),
	}

	yes, _, err := Replay(basis, deltas, PolicyStrict)
	require.NoError(t, err)
	assert.Equal(t, []model.PriceLevel{
		{PriceCents: 70, Quantity: 2},
		{PriceCents: 50, Quantity: 3},
		{PriceCents: 30, Quantity: 1},
	}, yes)
}

func TestTruncateDepth(t *testing.T) {
	levels := []model.PriceLevel{
		{PriceCents: 70, Quantity: 2},
		{PriceCents: 50, Quantity: 3},
		{PriceCents: 30, Quantity: 1},
	}

	assert.Len(t, truncateDepth(levels, 2), 2)
	assert.Equal(t, 70, truncateDepth(levels, 2)[0].PriceCents)
	assert.Len(t, truncateDepth(levels, 0), 3)
	assert.Len(t, truncateDepth(levels, 10), 3)
}

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 30, 45, 123456789, time.UTC)
	id := uuid.New()

	cursor := encodeCursor(ts, id)
	gotTS, gotID, err := decodeCursor(cursor)
	require.NoError(t, err)
	assert.True(t, gotTS.Equal(ts))
	assert.Equal(t, id, gotID)
}

func TestDecodeCursor_Malformed(t *testing.T) {
	for _, cursor := range []string{"", "not base64 !!!", "bm9jb2xvbg", "MTIzOm5vdC1hLXV1aWQ"} {
		_, _, err := decodeCursor(cursor)
		assert.Error(t, err, "cursor %q", cursor)
	}
}
