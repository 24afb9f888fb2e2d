/*
Package clients provides administrative clients for the key servers that
back threshold key release.

KeyServerAdminClient signs share submissions with an ECDSA admin key:

	client, err := clients.NewKeyServerAdminClient("http://keyserver-1:8081", adminKeyPEM)
	if err != nil {
		return err
	}
	err = client.SubmitShare(ctx, keyID, share)

The signature covers keyserver.ShareSubmissionMessage(keyID, share) hashed
with SHA-256. Key servers accept a submission only from a registered admin
public key and never replace a share they already hold.

The broker API client lives in package brokerhandler next to the handler it
talks to.
*/
package clients
