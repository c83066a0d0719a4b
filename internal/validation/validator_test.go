package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokoby/checkout/internal/apperr"
)

type item struct {
	SKU      string `json:"sku" validate:"required"`
	Quantity int    `json:"quantity" validate:"gt=0"`
}

type request struct {
	StoreID string `json:"store_id" validate:"required"`
	Items   []item `json:"items" validate:"required,min=1,unique=SKU,dive"`
}

func TestStructValid(t *testing.T) {
	v := New()
	req := request{StoreID: "s1", Items: []item{{SKU: "A", Quantity: 1}}}
	require.NoError(t, Struct(v, req))
}

func TestStructReportsJSONFieldPaths(t *testing.T) {
	v := New()
	req := request{Items: []item{{SKU: "A", Quantity: 0}}}

	err := Struct(v, req)

	require.ErrorIs(t, err, apperr.ErrValidation)
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	fields := map[string]string{}
	for _, f := range ve.Fields {
		fields[f.Field] = f.Reason
	}
	assert.Equal(t, "is required", fields["store_id"])
	assert.Equal(t, "must be greater than 0", fields["items[0].quantity"])
}

func TestStructRejectsDuplicateItems(t *testing.T) {
	v := New()
	req := request{StoreID: "s1", Items: []item{{SKU: "A", Quantity: 1}, {SKU: "A", Quantity: 2}}}

	err := Struct(v, req)

	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Len(t, ve.Fields, 1)
	assert.Equal(t, "items", ve.Fields[0].Field)
}
