package cache

import "nsite-gateway/internal/model"

func modelRelayListFixture() model.RelayList {
	return model.RelayList{
		Relays: []model.RelayEntry{
			{URL: "wss://relay.one", Read: true},
			{URL: "wss://relay.two", Read: true},
		},
	}
}

func modelServerListFixture() model.ServerList {
	return model.ServerList{Servers: []string{"https://blobs.one", "https://blobs.two"}}
}

func modelBlobFixture(raw []byte) model.Blob {
	return model.Blob{
		SHA256:      "0000000000000000000000000000000000000000000000000000000000000000",
		Bytes:       raw,
		ContentType: "application/octet-stream",
	}
}
