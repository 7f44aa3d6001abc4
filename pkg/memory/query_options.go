package memory

// listOptions accumulates options for [ConversationStore.ListConversations].
// Unexported — callers configure it via [ListOpt] functional options.
type listOptions struct {
	limit  int
	offset int
}

// ListOpt is a functional option for [ConversationStore.ListConversations].
type ListOpt func(*listOptions)

// WithListLimit caps the number of conversations returned.
// A value of 0 means the implementation may apply its own default.
func WithListLimit(n int) ListOpt {
	return func(o *listOptions) { o.limit = n }
}

// WithListOffset skips the first n conversations, for pagination.
func WithListOffset(n int) ListOpt {
	return func(o *listOptions) { o.offset = n }
}

// ListParams holds the resolved parameters from a slice of [ListOpt].
type ListParams struct {
	Limit  int
	Offset int
}

// ApplyListOpts applies a slice of [ListOpt] functional options and returns
// the resolved parameters as a [ListParams]. This helper allows external
// packages (such as storage backends) to read the option values without
// needing to access the unexported [listOptions] type directly.
func ApplyListOpts(opts []ListOpt) ListParams {
	o := &listOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return ListParams{Limit: o.limit, Offset: o.offset}
}
