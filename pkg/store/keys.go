package store

import "fmt"

// Keyspace layout. Message rows are keyed by zero-padded seq so pebble's
// byte order equals sequence order within a conversation.
//
//	conv:<id>:meta                         conversation JSON
//	conv:<id>:msg:<seq %020d>              message JSON
//	conv:<id>:msgid:<msgID>                seq pointer JSON
//	conv:<id>:client:<clientID>            idempotency record JSON
//	conv:<id>:member:<userID>              participant JSON
//	conv:<id>:react:<msgID>:<user>:<emoji> reaction JSON
//	conv:<id>:floor                        lowest retained seq (decimal)
//	tenant:<tid>:conv:<cid>                tenant listing index

func convMetaKey(convID string) []byte {
	return []byte("conv:" + convID + ":meta")
}

func msgKey(convID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("conv:%s:msg:%020d", convID, seq))
}

func msgPrefix(convID string) []byte {
	return []byte("conv:" + convID + ":msg:")
}

func msgIDKey(convID, msgID string) []byte {
	return []byte("conv:" + convID + ":msgid:" + msgID)
}

func clientKey(convID, clientID string) []byte {
	return []byte("conv:" + convID + ":client:" + clientID)
}

func memberKey(convID, userID string) []byte {
	return []byte("conv:" + convID + ":member:" + userID)
}

func memberPrefix(convID string) []byte {
	return []byte("conv:" + convID + ":member:")
}

func reactKey(convID, msgID, userID, emoji string) []byte {
	return []byte("conv:" + convID + ":react:" + msgID + ":" + userID + ":" + emoji)
}

func reactPrefix(convID, msgID string) []byte {
	return []byte("conv:" + convID + ":react:" + msgID + ":")
}

func floorKey(convID string) []byte {
	return []byte("conv:" + convID + ":floor")
}

func tenantKey(tenantID, convID string) []byte {
	return []byte("tenant:" + tenantID + ":conv:" + convID)
}

func tenantPrefix(tenantID string) []byte {
	return []byte("tenant:" + tenantID + ":conv:")
}
