// Command demo runs the full delivery workflow in process: a requester opens
// a delivery with encrypted fields, a payment is escrowed, a courier within
// range accepts, picks up, and completes, settlement releases the escrow,
// and both parties rate each other. Every sensitive value stays encrypted;
// the output shows only statuses and the values each party is entitled to.
package main

import (
	"fmt"
	"os"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/confidential"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/coordinator"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/crypto"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/services"
)

func main() {
	if err := run(); err != nil {
		fmt.Printf("demo failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	engine, err := confidential.NewStubEngine()
	if err != nil {
		return err
	}

	coordKey, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	requester, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	courier, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}

	cfg := coordinator.DefaultConfig("coordinator-demo")
	coord := coordinator.New(cfg, coordKey, engine, services.NewInMemoryStore(), nil, nil)
	engine.SetAuthorizer(coord.Registry())

	encrypt := func(value uint64, owner crypto.PublicKey) (coordinator.CiphertextInput, error) {
		ciphertext, proof, err := engine.Encrypt(value, cfg.CoordinatorID, owner)
		if err != nil {
			return coordinator.CiphertextInput{}, err
		}
		return coordinator.CiphertextInput{Ciphertext: ciphertext, Proof: proof}, nil
	}

	pickup := confidential.PackLocation(1000, 2000)
	dropoff := confidential.PackLocation(1400, 2600)
	courierLoc := confidential.PackLocation(1020, 2050)

	fmt.Println("== delivery ==")
	inputs := make([]coordinator.CiphertextInput, 4)
	for i, v := range []uint64{42, pickup, dropoff, 100} {
		if inputs[i], err = encrypt(v, requester); err != nil {
			return err
		}
	}
	deliveryID, err := coord.CreateDelivery(requester, inputs[0], inputs[1], inputs[2], inputs[3])
	if err != nil {
		return err
	}
	fmt.Printf("created %s (recipient, pickup, dropoff, fee all encrypted)\n", deliveryID)

	fmt.Println("== payment ==")
	amount, err := encrypt(100, requester)
	if err != nil {
		return err
	}
	paymentID, err := coord.CreatePayment(deliveryID, requester, courier, amount, 100)
	if err != nil {
		return err
	}
	if err := coord.EscrowPayment(paymentID, requester); err != nil {
		return err
	}
	fmt.Printf("created %s, 100 units deposited in escrow\n", paymentID)

	fmt.Println("== matching ==")
	loc, err := encrypt(courierLoc, courier)
	if err != nil {
		return err
	}
	if err := coord.AcceptDelivery(deliveryID, courier, loc); err != nil {
		return err
	}
	fmt.Println("courier within range, delivery accepted (locations stayed encrypted)")

	if err := coord.PickupDelivery(deliveryID, courier); err != nil {
		return err
	}
	if err := coord.CompleteDelivery(deliveryID, courier); err != nil {
		return err
	}
	status, err := coord.PaymentStatus(paymentID)
	if err != nil {
		return err
	}
	fmt.Printf("delivery completed, payment settled: %s\n", status)

	fmt.Println("== reputation ==")
	for _, rating := range []struct {
		rater, rated crypto.PublicKey
		score        uint64
	}{
		{requester, courier, 5},
		{courier, requester, 4},
	} {
		score, err := encrypt(rating.score, rating.rater)
		if err != nil {
			return err
		}
		comment, err := encrypt(0, rating.rater)
		if err != nil {
			return err
		}
		if err := coord.SubmitRating(deliveryID, rating.rater, rating.rated, score, comment); err != nil {
			return err
		}
	}

	meets, err := coord.MeetsMinimumReputation(courier, 4, requester)
	if err != nil {
		return err
	}
	fmt.Printf("courier meets minimum reputation of 4: %v (average itself never disclosed)\n", meets)

	return nil
}
