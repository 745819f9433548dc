package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func threeVoterConfig() Configuration {
	return Configuration{
		Index: 1,
		Servers: []Server{
			{ID: 1, Address: "a:1", Role: RoleVoter},
			{ID: 2, Address: "b:1", Role: RoleVoter},
			{ID: 3, Address: "c:1", Role: RoleVoter},
		},
	}
}

func TestConfigurationFind(t *testing.T) {
	c := threeVoterConfig()
	s, ok := c.Find(2)
	require.True(t, ok)
	require.Equal(t, "b:1", s.Address)

	_, ok = c.Find(99)
	require.False(t, ok)
}

func TestConfigurationVotersExcludesNonVoters(t *testing.T) {
	c := threeVoterConfig()
	c.Servers = append(c.Servers, Server{ID: 4, Role: RoleStandby}, Server{ID: 5, Role: RoleSpare})
	voters := c.Voters()
	require.ElementsMatch(t, []ServerID{1, 2, 3}, voters)
}

func TestConfigurationQuorum(t *testing.T) {
	require.Equal(t, 2, threeVoterConfig().Quorum())

	c := threeVoterConfig()
	c.Servers = append(c.Servers, Server{ID: 4, Role: RoleVoter})
	require.Equal(t, 3, c.Quorum())
}

func TestConfigurationHasVoters(t *testing.T) {
	require.True(t, threeVoterConfig().HasVoters())

	empty := Configuration{}
	require.False(t, empty.HasVoters())
}

func TestConfigurationCloneIsIndependent(t *testing.T) {
	c := threeVoterConfig()
	clone := c.Clone()
	clone.Servers[0].Address = "changed"
	require.NotEqual(t, c.Servers[0].Address, clone.Servers[0].Address)
}

func TestWithServerReplacesExisting(t *testing.T) {
	c := threeVoterConfig()
	updated := c.withServer(Server{ID: 2, Address: "new:1", Role: RoleStandby})
	s, ok := updated.Find(2)
	require.True(t, ok)
	require.Equal(t, "new:1", s.Address)
	require.Equal(t, RoleStandby, s.Role)
	require.Len(t, updated.Servers, 3)
}

func TestWithServerAppendsNew(t *testing.T) {
	c := threeVoterConfig()
	updated := c.withServer(Server{ID: 4, Address: "d:1", Role: RoleSpare})
	require.Len(t, updated.Servers, 4)
	_, ok := updated.Find(4)
	require.True(t, ok)
}

func TestWithoutServerRemoves(t *testing.T) {
	c := threeVoterConfig()
	updated := c.withoutServer(2)
	require.Len(t, updated.Servers, 2)
	_, ok := updated.Find(2)
	require.False(t, ok)
}

func TestValidateIDsRejectsZero(t *testing.T) {
	err := validateIDs([]Server{{ID: 0}})
	require.Error(t, err)
}

func TestValidateIDsRejectsDuplicate(t *testing.T) {
	err := validateIDs([]Server{{ID: 1}, {ID: 1}})
	require.Error(t, err)
}

func TestValidateIDsAcceptsDistinctNonzero(t *testing.T) {
	err := validateIDs([]Server{{ID: 1}, {ID: 2}})
	require.NoError(t, err)
}
