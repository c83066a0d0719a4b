package orders

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	all := []Status{StatusPending, StatusConfirmed, StatusShipped, StatusDelivered, StatusCanceled}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusConfirmed}:  true,
		{StatusPending, StatusCanceled}:   true,
		{StatusConfirmed, StatusShipped}:  true,
		{StatusConfirmed, StatusCanceled}: true,
		{StatusShipped, StatusDelivered}:  true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, StatusCanceled.Terminal())
	assert.True(t, StatusDelivered.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, Status("UNKNOWN").Terminal())
	assert.False(t, Status("UNKNOWN").Valid())
}
