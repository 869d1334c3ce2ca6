package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFixtures = `
orderTypes:
  - id: repair
    name: Repair
    allowedStatuses: [new, work, done]
clients:
  - id: c1
    name: Ada
    email: ada@example.com
cashRegisters:
  - id: main
    name: Front desk
    default: true
messageTemplates:
  - id: tpl-ready
    code: ready
    channel: email
    body: "Order {{order.number}} is ready"
orders:
  - id: o1
    number: "A-1"
    clientId: c1
    typeId: repair
    status: new
    items:
      - itemId: i1
        name: Screen
        qty: 2
        price: 50
`

func TestLoadFixtures(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, LoadFixtures(ctx, m, []byte(sampleFixtures)))

	o, err := m.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, o.Totals.GrandTotal)
	assert.Equal(t, 100.0, o.Items[0].Total)

	ot, err := m.GetOrderType(ctx, "repair")
	require.NoError(t, err)
	assert.True(t, ot.Allows("work"))
	assert.False(t, ot.Allows("cancelled"))

	tpl, err := m.FindMessageTemplate(ctx, "ready")
	require.NoError(t, err)
	assert.Equal(t, "tpl-ready", tpl.ID)

	reg, err := m.ResolveCashRegister(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "main", reg.ID)
}

func TestLoadFixturesRejectsBadYAML(t *testing.T) {
	err := LoadFixtures(context.Background(), NewMemory(), []byte("orders: [:"))
	assert.Error(t, err)
}

func TestLoadShippedFixtures(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	require.NoError(t, LoadFixturesFile(ctx, mem, "../../config/fixtures.yaml"))

	o, err := mem.GetOrder(ctx, "o-1001")
	require.NoError(t, err)
	assert.Equal(t, 200.0, o.Totals.GrandTotal)

	reg, err := mem.ResolveCashRegister(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "front-desk", reg.ID)

	tpl, err := mem.FindDocumentTemplate(ctx, "receipt")
	require.NoError(t, err)
	assert.Equal(t, "text/html", tpl.MimeType)
}
