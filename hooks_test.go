package cart

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPluginHooksFireInRegistrationOrder(t *testing.T) {
	h := NewPluginHooks()
	var order []int
	h.RegisterProgress(func(arg interface{}) { order = append(order, arg.(int)) }, 1)
	h.RegisterProgress(func(arg interface{}) { order = append(order, arg.(int)) }, 2)

	h.fireProgress()
	assert.Equal(t, []int{1, 2}, order)
}

func TestPluginHooksRegistrationDuringIterationNotVisibleThisPass(t *testing.T) {
	h := NewPluginHooks()
	var seen []int
	h.RegisterProgress(func(arg interface{}) {
		seen = append(seen, arg.(int))
		h.RegisterProgress(func(arg interface{}) { seen = append(seen, arg.(int)) }, 2)
	}, 1)

	h.fireProgress()
	assert.Equal(t, []int{1}, seen)

	seen = nil
	h.fireProgress()
	assert.Equal(t, []int{1, 2}, seen)
}

func TestPluginHooksTimeoutHooksReceiveRequest(t *testing.T) {
	h := NewPluginHooks()
	req := NewRequest(1, Endpoint{}, nil, nil)
	var got *Request
	h.RegisterTimeout(func(r *Request, arg interface{}) { got = r }, nil)

	h.fireTimeout(req)
	assert.Same(t, req, got)
}
