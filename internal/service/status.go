package service

import "github.com/pesio-ai/be-doc-signing/internal/repository"

// DeriveStatus recomputes a document status from its signers. Precedence is
// rejection-dominant: all signed, then any rejected, then any signed. A
// document nobody has acted on stays draft until sent and pending after.
func DeriveStatus(current repository.DocumentStatus, signers []*repository.Signer) repository.DocumentStatus {
	if len(signers) == 0 {
		return current
	}

	allSigned, anySigned, anyRejected := true, false, false
	for _, s := range signers {
		switch s.Status {
		case repository.SignerSigned:
			anySigned = true
		case repository.SignerRejected:
			anyRejected = true
			allSigned = false
		default:
			allSigned = false
		}
	}

	switch {
	case allSigned:
		return repository.DocumentSigned
	case anyRejected:
		return repository.DocumentRejected
	case anySigned:
		return repository.DocumentPartiallySigned
	case current == repository.DocumentDraft:
		return repository.DocumentDraft
	default:
		return repository.DocumentPending
	}
}
