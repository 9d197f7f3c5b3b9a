package storage

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/range-engine/internal/models"
)

// fakeRow feeds canned column values to the scan helpers
type fakeRow struct {
	values []any
}

func (r fakeRow) Scan(dest ...any) error {
	if len(dest) != len(r.values) {
		return fmt.Errorf("expected %d columns, got %d", len(r.values), len(dest))
	}
	for i := range dest {
		if r.values[i] == nil {
			continue
		}
		switch d := dest[i].(type) {
		case *string:
			*d = r.values[i].(string)
		case *bool:
			*d = r.values[i].(bool)
		case *int64:
			*d = r.values[i].(int64)
		case *time.Time:
			*d = r.values[i].(time.Time)
		case *sql.NullString:
			*d = sql.NullString{String: r.values[i].(string), Valid: true}
		case *sql.NullTime:
			*d = sql.NullTime{Time: r.values[i].(time.Time), Valid: true}
		case *[]byte:
			*d = r.values[i].([]byte)
		default:
			return fmt.Errorf("unsupported scan destination %T", dest[i])
		}
	}
	return nil
}

func TestWorldPeerSurvivesPersistence(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	w := &models.World{
		ID:        "abc123def456",
		EventName: "dvad25",
		Identity:  "alice",
		Status:    models.StatusRunning,
		CreatedAt: now,
		StartedAt: &now,
		Flags:     map[string]string{"web-intro": "flag{deadbeef}"},
		Ports:     map[string]int{"web": 31337},
		Peer: &models.WireguardPeer{
			PrivateKey:      "cHJpdg==",
			PublicKey:       "cHVi",
			Address:         "10.13.13.2",
			ServerPublicKey: "c3J2",
			ServerEndpoint:  "vpn.example.org:51820",
			Config:          "[Interface]\nPrivateKey = cHJpdg==\nAddress = 10.13.13.2/32\n",
		},
	}

	flags, ports, peer, services, err := marshalWorldState(w)
	require.NoError(t, err)

	got, err := scanWorld(fakeRow{values: []any{
		w.ID, w.EventName, w.Identity, string(w.Status), nil, nil,
		now, now, flags, ports, peer, services,
	}})
	require.NoError(t, err)

	require.NotNil(t, got.Peer)
	assert.Equal(t, w.Peer.Config, got.Peer.Config)
	assert.Equal(t, w.Peer.PrivateKey, got.Peer.PrivateKey)
	assert.Equal(t, w.Peer.ServerPublicKey, got.Peer.ServerPublicKey)
	assert.Equal(t, w.Flags, got.Flags)
	assert.Equal(t, w.Ports, got.Ports)
}

func TestWorldWithoutPeerScansNil(t *testing.T) {
	now := time.Now().UTC()
	w := &models.World{
		ID:        "abc123def456",
		EventName: "dvad25",
		Identity:  "bobby",
		Status:    models.StatusCreating,
		CreatedAt: now,
	}

	flags, ports, peer, services, err := marshalWorldState(w)
	require.NoError(t, err)
	assert.Equal(t, "null", string(peer))

	got, err := scanWorld(fakeRow{values: []any{
		w.ID, w.EventName, w.Identity, string(w.Status), nil, nil,
		now, nil, flags, ports, peer, services,
	}})
	require.NoError(t, err)
	assert.Nil(t, got.Peer)
	assert.Nil(t, got.StartedAt)
}

func TestEventScanMapsServerKeys(t *testing.T) {
	now := time.Now().UTC()

	got, err := scanEvent(fakeRow{values: []any{
		"dvad25", "DVAD 2025", "web-range", "http://ctfd.example.org", "token",
		"play.example.org", "flag", true, "10.13.13.0/24",
		"c2VydmVyLXByaXY=", "c2VydmVyLXB1Yg==",
		int64(3600), []byte(`{"crypto-101":"flag{dvad25-aa}"}`), []byte(`{"web-intro":7}`), now,
	}})
	require.NoError(t, err)

	assert.Equal(t, "c2VydmVyLXByaXY=", got.VPNServerKey)
	assert.Equal(t, "c2VydmVyLXB1Yg==", got.VPNServerPub)
	assert.Equal(t, time.Hour, got.WorldTTL)
	assert.Equal(t, map[string]int{"web-intro": 7}, got.ChallengeIDs)
}
