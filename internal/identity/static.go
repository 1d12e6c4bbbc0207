package identity

import (
	"context"
	"sort"
	"strconv"
	"sync"
)

// StaticGateway is an in-memory identity directory. It backs local
// development (seeded from the config file) and tests.
type StaticGateway struct {
	Tokens TokenCodec

	mu        sync.RWMutex
	users     map[string]InternalUser
	clients   map[string]Client
	companies map[string]Company
	failErr   error
}

func NewStaticGateway(tokens TokenCodec) *StaticGateway {
	return &StaticGateway{
		Tokens:    tokens,
		users:     map[string]InternalUser{},
		clients:   map[string]Client{},
		companies: map[string]Company{},
	}
}

func (g *StaticGateway) PutInternalUser(u InternalUser) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.users[u.ID] = u
}

func (g *StaticGateway) PutClient(c Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clients[c.ID] = c
}

func (g *StaticGateway) PutCompany(c Company) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.companies[c.ID] = c
}

// SetClientCompany moves a client to another company, as the provider would
// before emitting client.updated.
func (g *StaticGateway) SetClientCompany(clientID, companyID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.clients[clientID]
	c.ID = clientID
	c.CompanyID = companyID
	g.clients[clientID] = c
}

func (g *StaticGateway) DeleteClient(clientID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.clients, clientID)
}

func (g *StaticGateway) DeleteInternalUser(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.users, userID)
}

// FailWith makes every lookup return err until called again with nil.
func (g *StaticGateway) FailWith(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failErr = err
}

func (g *StaticGateway) TokenPayload(_ context.Context, token string) (TokenPayload, error) {
	return g.Tokens.Parse(token)
}

func (g *StaticGateway) GetClient(_ context.Context, clientID string) (Client, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.failErr != nil {
		return Client{}, g.failErr
	}
	c, ok := g.clients[clientID]
	if !ok {
		return Client{}, ErrNotFound
	}
	return c, nil
}

func (g *StaticGateway) GetClients(_ context.Context, filter ClientFilter) (ClientPage, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.failErr != nil {
		return ClientPage{}, g.failErr
	}
	var all []Client
	for _, c := range g.clients {
		if filter.CompanyID != "" && c.CompanyID != filter.CompanyID {
			continue
		}
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	start := 0
	if filter.NextToken != "" {
		n, err := strconv.Atoi(filter.NextToken)
		if err == nil && n > 0 {
			start = n
		}
	}
	if start > len(all) {
		start = len(all)
	}
	end := len(all)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	page := ClientPage{Data: all[start:end]}
	if end < len(all) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

func (g *StaticGateway) GetCompany(_ context.Context, companyID string) (Company, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.failErr != nil {
		return Company{}, g.failErr
	}
	c, ok := g.companies[companyID]
	if !ok {
		return Company{}, ErrNotFound
	}
	return c, nil
}

func (g *StaticGateway) GetInternalUsers(_ context.Context) ([]InternalUser, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.failErr != nil {
		return nil, g.failErr
	}
	out := make([]InternalUser, 0, len(g.users))
	for _, u := range g.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
