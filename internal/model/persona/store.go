package persona

// Store 角色查询接口，供 handler 和会话协调器使用
type Store interface {
	List() []Persona
	FindByID(id string) (Persona, bool)
}

// MemoryStore 基于固定列表的 Store 实现
type MemoryStore struct {
	items []Persona
	index map[string]int
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied personas.
func NewMemoryStore(items []Persona) *MemoryStore {
	s := &MemoryStore{
		items: append([]Persona(nil), items...),
		index: make(map[string]int, len(items)),
	}
	for i, item := range s.items {
		s.index[item.ID] = i
	}
	return s
}

// List 按声明顺序返回所有角色
func (s *MemoryStore) List() []Persona {
	return append([]Persona(nil), s.items...)
}

// FindByID 根据ID查找角色
func (s *MemoryStore) FindByID(id string) (Persona, bool) {
	i, ok := s.index[id]
	if !ok {
		return Persona{}, false
	}
	return s.items[i], true
}

// Resolve 返回 id 对应的角色；找不到时回退到默认角色，
// 再回退到一个空白角色，保证调用方总有可用的提示词
func Resolve(store Store, id string) Persona {
	if store != nil {
		if p, ok := store.FindByID(id); ok {
			return p
		}
		if p, ok := store.FindByID(DefaultID); ok {
			return p
		}
	}
	return Persona{ID: DefaultID, Name: "Assistant"}
}
