package kafka

import (
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// Lifecycle event names published on the subscription topic.
const (
	EventOrderCreated      = "subscription_order_created"
	EventOrderAccepted     = "subscription_order_accepted"
	EventOrderRejected     = "subscription_order_rejected"
	EventOrderDelivered    = "subscription_order_delivered"
	EventCycleSpawned      = "subscription_cycle_spawned"
	EventPaymentAuthorized = "subscription_payment_authorized"
	EventPaymentCaptured   = "subscription_payment_captured"
	EventPaymentFailed     = "subscription_payment_failed"
	EventDeactivated       = "subscription_deactivated"
	EventCancelled         = "subscription_cancelled"
)

// EnsureTopicsExist creates Kafka topics if they don't already exist
func EnsureTopicsExist(brokers []string, topics []string) error {
	conn, err := kafka.Dial("tcp", brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	controllerConn, err := kafka.Dial("tcp", controller.Host)
	if err != nil {
		return err
	}
	defer controllerConn.Close()

	for _, topic := range topics {
		topicConfigs := []kafka.TopicConfig{
			{
				Topic:             topic,
				NumPartitions:     1,
				ReplicationFactor: 1,
			},
		}

		err = controllerConn.CreateTopics(topicConfigs...)
		if err != nil {
			if err.Error() == "kafka server: topic already exists" {
				log.Printf("Topic %s already exists", topic)
				continue
			}
			log.Printf("Error creating topic %s: %v", topic, err)
		} else {
			log.Printf("Created topic: %s", topic)
		}
	}

	// Wait a moment for topics to be fully created
	time.Sleep(1 * time.Second)
	return nil
}
