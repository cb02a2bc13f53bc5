package kek

import "github.com/quorumkey/kek-service-backend/interfaces"

// Store key layout. Every lookup addresses its record by full key; index
// sets exist only for enumeration, never for composite-key lookup.
//
//	kek:version:<versionID>              version record (JSON)
//	kek:version:<versionID>:principals   reverse blob index (set)
//	kek:tenant:<tenantID>:versions       tenant version index (set)
//	kek:tenant:<tenantID>:active         active version pointer
//	kek:tenant:<tenantID>:vseq           version number sequence
//	kek:tenant:<tenantID>:recovery       tenant recovery-session index (set)
//	kek:blob:<principalID>/<versionID>   blob record (JSON)
//	kek:principal:<principalID>:versions forward blob index (set)
//	kek:task:<taskID>                    quorum task record (JSON)
//	kek:task:<taskID>:contrib:<principalID> contribution record (JSON)
//	ledger:* (see ThresholdLedger)       contributor sets
//	kek:recovery:<sessionID>             recovery session record (JSON)
//	kek:recovery:<sessionID>:share:<principalID> share record (JSON)
//	kek:recovery:sessions                global session index (set)

func versionKey(id interfaces.VersionID) string {
	return "kek:version:" + string(id)
}

func versionPrincipalsKey(id interfaces.VersionID) string {
	return "kek:version:" + string(id) + ":principals"
}

func tenantVersionsKey(t interfaces.TenantID) string {
	return "kek:tenant:" + string(t) + ":versions"
}

func tenantActiveKey(t interfaces.TenantID) string {
	return "kek:tenant:" + string(t) + ":active"
}

func tenantSeqKey(t interfaces.TenantID) string {
	return "kek:tenant:" + string(t) + ":vseq"
}

func tenantRecoveryKey(t interfaces.TenantID) string {
	return "kek:tenant:" + string(t) + ":recovery"
}

func blobKey(k interfaces.BlobKey) string {
	return "kek:blob:" + k.String()
}

func principalVersionsKey(p interfaces.PrincipalID) string {
	return "kek:principal:" + string(p) + ":versions"
}

func taskKey(id interfaces.TaskID) string {
	return "kek:task:" + string(id)
}

func contributionKey(id interfaces.TaskID, p interfaces.PrincipalID) string {
	return "kek:task:" + string(id) + ":contrib:" + string(p)
}

func sessionKey(id interfaces.SessionID) string {
	return "kek:recovery:" + string(id)
}

func sessionShareKey(id interfaces.SessionID, p interfaces.PrincipalID) string {
	return "kek:recovery:" + string(id) + ":share:" + string(p)
}

const allSessionsKey = "kek:recovery:sessions"
