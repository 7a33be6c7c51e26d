package porta

import (
	"context"
	"testing"

	"github.com/raskyld/porta/pkg/bottle"
	"github.com/raskyld/porta/pkg/carrier"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestLocalRegistry_RegisterQuery(t *testing.T) {
	ctx := context.Background()
	r := NewLocalRegistry(testHandler("registry"))

	_, err := r.RegisterName(ctx, "no-slash", contactAt("", 1))
	require.ErrorIs(t, err, ErrNameInvalid)

	_, err = r.RegisterName(ctx, "/a", carrier.Contact{Name: "/a"})
	require.ErrorIs(t, err, ErrInvalidRecord)

	registered, err := r.RegisterName(ctx, "/a", contactAt("", 7))
	require.NoError(t, err)
	require.Equal(t, "/a", registered.Name)

	got, err := r.QueryName(ctx, "/a")
	require.NoError(t, err)
	require.Equal(t, registered, got)

	require.NoError(t, r.UnregisterName(ctx, "/a"))
	_, err = r.QueryName(ctx, "/a")
	require.ErrorIs(t, err, ErrNameResolution)
	require.ErrorIs(t, r.UnregisterName(ctx, "/a"), ErrNameResolution)
}

func TestLocalRegistry_Commands(t *testing.T) {
	ctx := context.Background()
	r := NewLocalRegistry(testHandler("registry"))

	reply, err := r.WriteToNameServer(ctx, bottle.FromArgs([]string{"register", "/cam/left", "mem", "mem", "3"}))
	require.NoError(t, err)
	require.Equal(t, "registration name /cam/left ip mem port 3 type mem", reply.String())

	_, err = r.WriteToNameServer(ctx, bottle.FromArgs([]string{"register", "/cam/right", "mem", "mem", "4"}))
	require.NoError(t, err)

	reply, err = r.WriteToNameServer(ctx, bottle.FromArgs([]string{"query", "/cam/right"}))
	require.NoError(t, err)
	contact, err := ParseRegistration(reply)
	require.NoError(t, err)
	require.Equal(t, contactAt("/cam/right", 4), contact)

	reply, err = r.WriteToNameServer(ctx, bottle.FromArgs([]string{"list", "/cam/"}))
	require.NoError(t, err)
	require.Len(t, reply, 2)
	require.Equal(t, "/cam/left", reply[0].AsList().Find("name").AsString())

	reply, err = r.WriteToNameServer(ctx, bottle.FromArgs([]string{"announce", "/cam/left", "1"}))
	require.NoError(t, err)
	require.Equal(t, "[ok]", reply.String())

	reply, err = r.WriteToNameServer(ctx, bottle.FromArgs([]string{"unregister", "/cam/left"}))
	require.NoError(t, err)
	require.Equal(t, "[ok]", reply.String())

	_, err = r.WriteToNameServer(ctx, bottle.FromArgs([]string{"query", "/cam/left"}))
	require.ErrorIs(t, err, ErrNameResolution)

	reply, err = r.WriteToNameServer(ctx, bottle.FromArgs([]string{"frobnicate"}))
	require.NoError(t, err)
	require.Equal(t, "fail", reply.Get(0).Tag())
}

type mockNameService struct {
	mock.Mock
}

func (m *mockNameService) QueryName(_ context.Context, name string) (carrier.Contact, error) {
	args := m.Called(name)
	return args.Get(0).(carrier.Contact), args.Error(1)
}

func (m *mockNameService) RegisterName(_ context.Context, name string, contact carrier.Contact) (carrier.Contact, error) {
	args := m.Called(name, contact)
	return args.Get(0).(carrier.Contact), args.Error(1)
}

func (m *mockNameService) UnregisterName(_ context.Context, name string) error {
	return m.Called(name).Error(0)
}

func (m *mockNameService) WriteToNameServer(_ context.Context, cmd bottle.Bottle) (bottle.Bottle, error) {
	args := m.Called(cmd)
	reply, _ := args.Get(0).(bottle.Bottle)
	return reply, args.Error(1)
}

func TestPort_NameService(t *testing.T) {
	n := newTestNet(t)
	ctx := context.Background()
	ns := &mockNameService{}
	defer ns.AssertExpectations(t)

	p, err := New("/a", n.options("/a", WithNameService(ns))...)
	require.NoError(t, err)
	defer p.Close()

	isBound := mock.MatchedBy(func(c carrier.Contact) bool {
		return c.Name == "/a" && c.Host == "mem" && c.Port != 0 && c.Carrier == "mem"
	})
	ns.On("RegisterName", "/a", isBound).Return(carrier.Contact{}, ErrNameConflict).Once()
	err = p.Listen(ctx, carrier.Contact{Carrier: "mem"}, true)
	require.ErrorIs(t, err, ErrListen)
	require.ErrorIs(t, err, ErrNameConflict)

	// The name service may rewrite the contact it was given.
	registered := carrier.Contact{Name: "/a", Host: "mem", Port: 1, Carrier: "mem"}
	ns.On("RegisterName", "/a", isBound).Return(registered, nil).Once()
	require.NoError(t, p.Listen(ctx, carrier.Contact{Carrier: "mem"}, true))
	require.Equal(t, registered, p.Contact())

	ns.On("QueryName", "/ghost").Return(carrier.Contact{Name: "/ghost"}, nil).Once()
	require.ErrorIs(t, p.AddOutput(ctx, "/ghost"), ErrNameResolution)

	ns.On("UnregisterName", "/a").Return(nil).Once()
	require.NoError(t, p.Close())
}
