package reactorbus

import (
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnonymousSelector_MatchesOnlyItsOwnObject(t *testing.T) {
	sel := AnonymousSelector("reply")
	obj := AnonymousObject(sel)

	assert.True(t, sel.Matches(obj))
	assert.False(t, sel.Matches("reply"))
	assert.False(t, sel.Matches(AnonymousObject(AnonymousSelector("reply"))))
}

func TestClassSelector_MatchesExactTypeAndInterface(t *testing.T) {
	exact := ClassSelector(reflect.TypeOf(0))
	assert.True(t, exact.Matches(42))
	assert.False(t, exact.Matches("42"))

	sel := ErrorSelector()
	assert.True(t, sel.Matches(errors.New("boom")))
	assert.False(t, sel.Matches("boom"))
	assert.False(t, sel.Matches(42))
}

func TestTypeSelector_MatchesConcreteType(t *testing.T) {
	type orderPlaced struct{ ID string }
	sel := TypeSelector[orderPlaced]()
	assert.True(t, sel.Matches(orderPlaced{ID: "1"}))
	assert.False(t, sel.Matches("orderPlaced"))
}

func TestPredicateSelector_DelegatesToFunction(t *testing.T) {
	sel := PredicateSelector(func(k any) bool {
		s, ok := k.(string)
		return ok && len(s) > 3
	})
	assert.True(t, sel.Matches("orders"))
	assert.False(t, sel.Matches("ab"))
}

func TestURISelector_MatchesSegmentsAndParams(t *testing.T) {
	sel := URISelector("/orders/{id}/status")
	assert.True(t, sel.Matches("/orders/123/status"))
	assert.False(t, sel.Matches("/orders/123"))
	assert.False(t, sel.Matches("/shipments/123/status"))
	assert.False(t, sel.Matches(123))
}

func TestWithHeaderResolver_AttachesResolverWithoutChangingMatching(t *testing.T) {
	base := PredicateSelector(func(k any) bool { return k == "orders" })
	resolved := WithHeaderResolver(base, func(key any) map[string][]string {
		return map[string][]string{"source": {"orders"}}
	})

	assert.True(t, resolved.Matches("orders"))
	headers := resolved.HeaderResolver()("orders")
	assert.Equal(t, []string{"orders"}, headers["source"])
}
