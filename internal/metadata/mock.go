package metadata

// MockImage is a hand-built, in-memory metadata image used by tests and by
// the CLI's demo mode when no real host-binary metadata reader is wired up.
// It implements Image directly.
type MockImage struct {
	references map[uint32]Token
	members    map[Token]Member
}

// NewMockImage creates an empty mock metadata image.
func NewMockImage() *MockImage {
	return &MockImage{
		references: make(map[uint32]Token),
		members:    make(map[Token]Member),
	}
}

// AddReference registers the token a VM-level id resolves to.
func (m *MockImage) AddReference(id uint32, tok Token) {
	m.references[id] = tok
}

// AddMember registers the member a token resolves to.
func (m *MockImage) AddMember(tok Token, member Member) {
	m.members[tok] = member
}

// ResolveMember implements Image.
func (m *MockImage) ResolveMember(token Token) (Member, bool) {
	member, ok := m.members[token]
	return member, ok
}

// ResolveReference implements Image. allowed is accepted but not enforced --
// the mock trusts its caller, unlike a real metadata reader which would
// reject a reference whose actual category isn't in allowed.
func (m *MockImage) ResolveReference(logger Logger, offset uint64, id uint32, allowed TokenKind) (Token, bool) {
	tok, ok := m.references[id]
	if !ok && logger != nil {
		logger.Warnf("mock metadata image: id %d not registered (offset 0x%x)", id, offset)
	}
	return tok, ok
}
