package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected = errors.New("mqtt not connected")
	ErrTimeout      = errors.New("mqtt operation timed out")
)

// MessageHandler 消息处理器
type MessageHandler func(topic string, payload []byte)

// Publisher 发布消息，下发命令只需要这个接口
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
}

// Options MQTT 连接配置
type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	CleanSession   bool
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client 封装 paho 客户端，重连后自动恢复订阅
type Client struct {
	opts   Options
	client paho.Client

	mu        sync.RWMutex
	subs      map[string]subscription
	connected bool
}

// NewClient 创建客户端，调用 Connect 连接服务器
func NewClient(opts Options) *Client {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 60 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &Client{
		opts: opts,
		subs: make(map[string]subscription),
	}
}

// Connect 连接到MQTT服务器
func (c *Client) Connect(ctx context.Context) error {
	if c.opts.Broker == "" {
		return fmt.Errorf("mqtt broker not configured")
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(c.opts.Broker)
	opts.SetClientID(c.opts.ClientID)
	if c.opts.Username != "" {
		opts.SetUsername(c.opts.Username)
		opts.SetPassword(c.opts.Password)
	}

	opts.SetKeepAlive(c.opts.KeepAlive)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(c.opts.ConnectTimeout)
	opts.SetCleanSession(c.opts.CleanSession)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetOrderMatters(true)

	opts.OnConnect = func(client paho.Client) {
		c.mu.Lock()
		c.connected = true
		subs := make(map[string]subscription, len(c.subs))
		for topic, sub := range c.subs {
			subs[topic] = sub
		}
		c.mu.Unlock()

		log.Info().Str("broker", c.opts.Broker).Msg("MQTT connected")

		// 重新订阅之前的主题
		for topic, sub := range subs {
			if err := c.subscribe(client, topic, sub); err != nil {
				log.Error().Err(err).Str("topic", topic).Msg("MQTT resubscribe failed")
			}
		}
	}

	opts.OnConnectionLost = func(client paho.Client, err error) {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		log.Warn().Err(err).Msg("MQTT connection lost")
	}

	client := paho.NewClient(opts)
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	case <-ctx.Done():
		return fmt.Errorf("mqtt connect: %w", ctx.Err())
	}
	return nil
}

// Disconnect 断开MQTT连接
func (c *Client) Disconnect() {
	c.mu.Lock()
	client := c.client
	c.connected = false
	c.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
		log.Info().Msg("MQTT disconnected")
	}
}

// IsConnected 是否已连接
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnectionOpen()
}

// Subscribe 订阅主题，已连接时立即订阅，每次重连后重新订阅
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	sub := subscription{qos: qos, handler: handler}

	c.mu.Lock()
	c.subs[topic] = sub
	client := c.client
	connected := c.connected
	c.mu.Unlock()

	if client == nil || !connected {
		return nil
	}
	return c.subscribe(client, topic, sub)
}

func (c *Client) subscribe(client paho.Client, topic string, sub subscription) error {
	token := client.Subscribe(topic, sub.qos, func(_ paho.Client, msg paho.Message) {
		sub.handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.opts.ConnectTimeout) {
		return fmt.Errorf("subscribe %s: %w", topic, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	log.Debug().Str("topic", topic).Msg("MQTT subscribed")
	return nil
}

// Publish 发布消息，等待发送完成，超时由 ctx 控制
func (c *Client) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	token := client.Publish(topic, qos, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", topic, ErrTimeout)
	}
}
