package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianpay/corewatch"
)

func TestCache_LookupBeforeRefreshFindsNothing(t *testing.T) {
	c := New(func(context.Context) (map[string]string, map[string]ShieldedEntry, error) {
		return map[string]string{"addr1": "pay1"}, nil, nil
	}, time.Minute, nil)

	_, ok := c.LookupTransparent("addr1")
	assert.False(t, ok, "cache must start empty until Refresh is called")
}

func TestCache_RefreshMakesAddressesVisible(t *testing.T) {
	c := New(func(context.Context) (map[string]string, map[string]ShieldedEntry, error) {
		return map[string]string{"addr1": "pay1"}, map[string]ShieldedEntry{
			"zs1abc": {ViewingKey: corewatch.ViewingKeyHandle{Handle: "vk1", Address: "zs1abc", BirthdayHeight: 100}, PaymentID: "pay2"},
		}, nil
	}, time.Minute, nil)

	require.NoError(t, c.Refresh(context.Background()))

	paymentID, ok := c.LookupTransparent("addr1")
	require.True(t, ok)
	assert.Equal(t, "pay1", paymentID)

	entry, ok := c.LookupShielded("zs1abc")
	require.True(t, ok)
	assert.Equal(t, "pay2", entry.PaymentID)
	assert.EqualValues(t, 100, entry.ViewingKey.BirthdayHeight)
}

func TestCache_FailedRefreshKeepsPreviousSnapshot(t *testing.T) {
	calls := 0
	c := New(func(context.Context) (map[string]string, map[string]ShieldedEntry, error) {
		calls++
		if calls == 1 {
			return map[string]string{"addr1": "pay1"}, nil, nil
		}
		return nil, nil, errors.New("repository unavailable")
	}, time.Minute, nil)

	require.NoError(t, c.Refresh(context.Background()))
	err := c.Refresh(context.Background())
	require.Error(t, err)

	paymentID, ok := c.LookupTransparent("addr1")
	require.True(t, ok, "a failed refresh must not blank out addresses already being watched")
	assert.Equal(t, "pay1", paymentID)
}

func TestCache_AddressListAccessors(t *testing.T) {
	c := New(func(context.Context) (map[string]string, map[string]ShieldedEntry, error) {
		return map[string]string{"t1": "p1", "t2": "p2"}, map[string]ShieldedEntry{"zs1": {PaymentID: "p3"}}, nil
	}, time.Minute, nil)
	require.NoError(t, c.Refresh(context.Background()))

	assert.ElementsMatch(t, []string{"t1", "t2"}, c.TransparentAddresses())
	assert.Equal(t, []string{"zs1"}, c.ShieldedAddresses())
}
