package kafka

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"github.com/IBM/sarama"
	"github.com/xdg-go/scram"
)

// Ensure XDGSCRAMClient implements sarama.SCRAMClient.
var _ sarama.SCRAMClient = (*XDGSCRAMClient)(nil)

// XDGSCRAMClient adapts xdg-go/scram to sarama.SCRAMClient.
type XDGSCRAMClient struct {
	*scram.Client
	*scram.ClientConversation
	scram.HashGeneratorFcn
}

// Begin starts a conversation for the given credentials.
func (x *XDGSCRAMClient) Begin(userName, password, authzID string) (err error) {
	x.Client, err = x.HashGeneratorFcn.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	x.ClientConversation = x.Client.NewConversation()
	return nil
}

// Step answers one server challenge.
func (x *XDGSCRAMClient) Step(challenge string) (string, error) {
	return x.ClientConversation.Step(challenge)
}

// Done reports whether the conversation has finished.
func (x *XDGSCRAMClient) Done() bool {
	return x.ClientConversation.Done()
}

// SHA256 returns a SHA256 hash generator.
func SHA256() scram.HashGeneratorFcn {
	return func() hash.Hash { return sha256.New() }
}

// SHA512 returns a SHA512 hash generator.
func SHA512() scram.HashGeneratorFcn {
	return func() hash.Hash { return sha512.New() }
}

// scramClientGenerator maps a SASL mechanism name to sarama's generator
// and mechanism constant.
func scramClientGenerator(mechanism string) (func() sarama.SCRAMClient, sarama.SASLMechanism, error) {
	var fcn scram.HashGeneratorFcn
	var saslType sarama.SASLMechanism

	switch mechanism {
	case "SCRAM-SHA-256":
		fcn, saslType = SHA256(), sarama.SASLTypeSCRAMSHA256
	case "SCRAM-SHA-512":
		fcn, saslType = SHA512(), sarama.SASLTypeSCRAMSHA512
	default:
		return nil, "", fmt.Errorf("unsupported SCRAM mechanism: %s", mechanism)
	}

	return func() sarama.SCRAMClient {
		return &XDGSCRAMClient{HashGeneratorFcn: fcn}
	}, saslType, nil
}
