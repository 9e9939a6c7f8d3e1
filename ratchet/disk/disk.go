// Copyright (c) 2025 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package disk

type RatchetState struct {
	RootKey            []byte                   `json:"rootKey"`
	SendChainKey       []byte                   `json:"sendChainKey"`
	RecvChainKey       []byte                   `json:"recvChainKey"`
	SendRatchetPrivate []byte                   `json:"sendRatchetPrivate"`
	SendRatchetPublic  []byte                   `json:"sendRatchetPublic"`
	RecvRatchetPublic  []byte                   `json:"recvRatchetPublic"`
	HaveRecvRatchet    bool                     `json:"haveRecvRatchet"`
	SendCount          uint32                   `json:"sendCount"`
	RecvCount          uint32                   `json:"recvCount"`
	PrevSendCount      uint32                   `json:"prevSendCount"`
	AssociatedData     []byte                   `json:"associatedData"`
	SavedKeys          []RatchetState_SavedKeys `json:"savedKeys"`
}

type RatchetState_SavedKeys struct {
	RatchetPublic []byte                              `json:"ratchetPublic"`
	MessageKeys   []RatchetState_SavedKeys_MessageKey `json:"messageKeys"`
}

type RatchetState_SavedKeys_MessageKey struct {
	Num          uint32 `json:"num"`
	Key          []byte `json:"key"`
	CreationTime int64  `json:"creationTime"`
}
