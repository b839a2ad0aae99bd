// Package mq provides end-to-end tests for the RabbitMQ client.
package mq

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"

	clientmq "procodus.dev/solarwatch/pkg/mq"
)

var _ = Describe("MQ Client E2E", func() {
	var (
		client    *clientmq.Client
		queueName string
		ctx       context.Context
		cancel    context.CancelFunc
	)

	newClient := func(url string, durable bool) *clientmq.Client {
		c, err := clientmq.NewClient(&clientmq.Config{
			Logger:    testLogger,
			URL:       url,
			QueueName: queueName,
			Durable:   durable,
		})
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	connect := func() *clientmq.Client {
		c := newClient(rabbitmqURL, false)
		Expect(c.WaitReady(ctx)).To(Succeed())
		return c
	}

	receive := func(deliveries <-chan amqp.Delivery) amqp.Delivery {
		var d amqp.Delivery
		Eventually(deliveries, 5*time.Second).Should(Receive(&d))
		return d
	}

	BeforeEach(func() {
		queueName = fmt.Sprintf("test-queue-%d", time.Now().UnixNano())
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	})

	AfterEach(func() {
		if client != nil {
			_ = client.Close()
			client = nil
		}
		cancel()
	})

	Describe("Connection", func() {
		It("becomes ready against a running broker", func() {
			client = connect()
		})

		It("keeps retrying an unreachable broker until closed", func() {
			invalid := newClient("amqp://invalid:5672", false)

			waitCtx, waitCancel := context.WithTimeout(ctx, 500*time.Millisecond)
			defer waitCancel()
			Expect(invalid.WaitReady(waitCtx)).To(MatchError(context.DeadlineExceeded))

			Expect(invalid.Close()).To(Succeed())
		})
	})

	Describe("Publishing", func() {
		BeforeEach(func() {
			client = connect()
		})

		It("publishes confirmed messages", func() {
			for i := range 10 {
				Expect(client.Push(ctx, []byte(fmt.Sprintf("message %d", i)))).To(Succeed())
			}
		})

		It("publishes large messages", func() {
			Expect(client.Push(ctx, make([]byte, 1024*1024))).To(Succeed())
		})

		It("publishes without waiting for confirmation", func() {
			Expect(client.UnsafePush(ctx, []byte("fire and forget"))).To(Succeed())
		})
	})

	Describe("Consuming", func() {
		BeforeEach(func() {
			client = connect()
		})

		It("delivers messages in order with JSON content type and a message id", func() {
			deliveries, err := client.Consume()
			Expect(err).NotTo(HaveOccurred())

			for _, msg := range []string{"first", "second", "third"} {
				Expect(client.Push(ctx, []byte(msg))).To(Succeed())
			}

			ids := map[string]bool{}
			for _, want := range []string{"first", "second", "third"} {
				d := receive(deliveries)
				Expect(string(d.Body)).To(Equal(want))
				Expect(d.ContentType).To(Equal("application/json"))
				Expect(d.MessageId).NotTo(BeEmpty())
				ids[d.MessageId] = true
				Expect(d.Ack(false)).To(Succeed())
			}
			Expect(ids).To(HaveLen(3))
		})

		It("redelivers a requeued message", func() {
			deliveries, err := client.Consume()
			Expect(err).NotTo(HaveOccurred())

			Expect(client.Push(ctx, []byte(`{"site_id":1}`))).To(Succeed())

			first := receive(deliveries)
			Expect(first.Nack(false, true)).To(Succeed())

			again := receive(deliveries)
			Expect(again.Redelivered).To(BeTrue())
			Expect(again.Body).To(Equal(first.Body))
			Expect(again.Ack(false)).To(Succeed())
		})

		It("preserves binary and empty bodies exactly", func() {
			deliveries, err := client.Consume()
			Expect(err).NotTo(HaveOccurred())

			binary := []byte{0x00, 0x01, 0xFF, 0xFE, 0x7F}
			Expect(client.Push(ctx, binary)).To(Succeed())
			Expect(client.Push(ctx, []byte{})).To(Succeed())

			d := receive(deliveries)
			Expect(d.Body).To(Equal(binary))
			Expect(d.Ack(false)).To(Succeed())

			d = receive(deliveries)
			Expect(d.Body).To(BeEmpty())
			Expect(d.Ack(false)).To(Succeed())
		})
	})

	Describe("Durable queues", func() {
		It("marks messages persistent", func() {
			client = newClient(rabbitmqURL, true)
			Expect(client.WaitReady(ctx)).To(Succeed())

			deliveries, err := client.Consume()
			Expect(err).NotTo(HaveOccurred())

			Expect(client.Push(ctx, []byte("durable"))).To(Succeed())

			d := receive(deliveries)
			Expect(d.DeliveryMode).To(Equal(amqp.Persistent))
			Expect(d.Ack(false)).To(Succeed())
		})
	})

	Describe("Concurrent Operations", func() {
		XIt("handles concurrent confirmed publishes", func() {
			client = connect()

			var wg sync.WaitGroup
			errs := make(chan error, 20)
			for i := range 20 {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					errs <- client.Push(ctx, []byte(fmt.Sprintf("concurrent %d", n)))
				}(i)
			}
			wg.Wait()
			close(errs)

			for err := range errs {
				Expect(err).NotTo(HaveOccurred())
			}
		})
	})

	Describe("Resource Cleanup", func() {
		It("closes cleanly and reports a second close", func() {
			c := connect()
			Expect(c.Close()).To(Succeed())
			Expect(c.Close()).To(MatchError(ContainSubstring("already closed")))
		})

		It("rejects pushes after close", func() {
			c := connect()
			Expect(c.Close()).To(Succeed())

			Expect(c.Push(ctx, []byte("late"))).To(MatchError(ContainSubstring("shutting down")))
		})
	})
})
