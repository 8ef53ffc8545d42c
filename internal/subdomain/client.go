// Package subdomain はサブドメインにバンドルのコンテンツ生成を依頼し、
// 非同期に返される応答からコンテンツ参照を受け取るAMQPクライアントを提供する。
//
// 依頼はトピックExchangeにカテゴリ名（小文字）をルーティングキーとして発行し、
// 応答は専用の応答キューでCorrelationIdにより待機中のセッションへ振り分ける。
package subdomain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/hitoshi/mailbox/internal/model"
)

var (
	// ErrClientClosed はクローズ済みのクライアントで依頼しようとした場合のエラー。
	ErrClientClosed = errors.New("subdomain client closed")
	// ErrReplyConsumerDown は応答の受信が止まっている間に依頼しようとした場合のエラー。
	ErrReplyConsumerDown = errors.New("subdomain reply consumer is down")

	errReplyStreamClosed = errors.New("reply delivery stream closed")
)

// 応答ストリームが切れた後の再接続間隔
const (
	defaultReconnectMin = time.Second
	defaultReconnectMax = 30 * time.Second
)

// Channel はクライアントが使用するAMQPチャネル操作を抽象化するインターフェース。
// *amqp091.Channel が満たす。
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Config はクライアントの設定。
type Config struct {
	Exchange    string // 依頼を発行するトピックExchange
	ReplyQueue  string // 応答キュー名。空の場合はサーバーが命名する排他キューを使用する
	ConsumerTag string
}

// connector はブローカーへの接続を確立し、チャネルと接続を返す。
type connector func() (Channel, io.Closer, error)

// Session は発行済みのコンテンツ依頼を表す。
type Session struct {
	ID       string
	BundleID string
	Origin   model.DomainOrigin
}

type contentRequest struct {
	SessionID       string   `json:"session_id"`
	BundleID        string   `json:"bundle_id"`
	Recipient       string   `json:"recipient"`
	Origin          string   `json:"domain_origin"`
	ContentType     string   `json:"content_type"`
	NotificationIDs []string `json:"notification_ids"`
}

type contentReply struct {
	SessionID     string `json:"session_id"`
	BundleID      string `json:"bundle_id"`
	Origin        string `json:"domain_origin"`
	ContentRef    string `json:"content_ref"`
	FailureReason string `json:"failure_reason"`
}

// Client はサブドメインとの依頼/応答を仲介する。
type Client struct {
	cfg          Config
	logger       *slog.Logger
	newID        func() string
	connect      connector // nilの場合は再接続しない
	reconnectMin time.Duration
	reconnectMax time.Duration

	mu         sync.Mutex
	ch         Channel
	conn       io.Closer
	waiters    map[string]chan contentReply
	replyQueue string
	started    bool
	down       chan struct{} // 応答の受信が止まると閉じる
	downErr    error

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewClient はチャネルを指定してClientを生成する。Startを呼ぶまで依頼はできない。
func NewClient(ch Channel, cfg Config, logger *slog.Logger) (*Client, error) {
	if ch == nil {
		return nil, fmt.Errorf("amqp channel is required")
	}
	if strings.TrimSpace(cfg.Exchange) == "" {
		return nil, fmt.Errorf("content request exchange is required")
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "mailbox-content-reply"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:          cfg,
		ch:           ch,
		logger:       logger,
		newID:        uuid.NewString,
		reconnectMin: defaultReconnectMin,
		reconnectMax: defaultReconnectMax,
		waiters:      make(map[string]chan contentReply),
		closed:       make(chan struct{}),
	}, nil
}

// Dial はAMQPブローカーに接続してClientを生成する。
// 接続が切れた場合は同じURLで再接続し、応答の受信を再開する。
func Dial(url string, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	connect := func() (Channel, io.Closer, error) {
		conn, err := amqp091.Dial(url)
		if err != nil {
			return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("open rabbitmq channel: %w", err)
		}
		go watchConnection(conn.NotifyClose(make(chan *amqp091.Error, 1)), logger)
		return ch, conn, nil
	}

	ch, conn, err := connect()
	if err != nil {
		return nil, err
	}
	c, err := NewClient(ch, cfg, logger)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	c.conn = conn
	c.connect = connect
	return c, nil
}

// watchConnection は接続が異常終了した理由を記録する。
// 正常なクローズではnotifyは値を送らずに閉じられる。
func watchConnection(notify <-chan *amqp091.Error, logger *slog.Logger) {
	if err, ok := <-notify; ok && err != nil {
		logger.Error("AMQP接続が切断されました",
			slog.Int("code", err.Code),
			slog.String("reason", err.Reason),
			slog.Bool("server", err.Server),
		)
	}
}

// Start はExchangeと応答キューを宣言し、応答の受信を開始する。
// ctxがキャンセルされると受信を停止し、以降の依頼はErrReplyConsumerDownになる。
func (c *Client) Start(ctx context.Context) error {
	deliveries, err := c.subscribe()
	if err != nil {
		return err
	}

	c.wg.Add(1)
	go c.run(ctx, deliveries)
	return nil
}

// subscribe は現在のチャネルでExchangeと応答キューを宣言し、受信を開始する。
func (c *Client) subscribe() (<-chan amqp091.Delivery, error) {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()

	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	exclusive := c.cfg.ReplyQueue == ""
	q, err := ch.QueueDeclare(c.cfg.ReplyQueue, !exclusive, exclusive, exclusive, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare reply queue: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, c.cfg.ConsumerTag, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume reply queue: %w", err)
	}

	c.mu.Lock()
	c.replyQueue = q.Name
	c.started = true
	c.down = make(chan struct{})
	c.downErr = nil
	c.mu.Unlock()

	c.logger.Info("サブドメイン応答の受信を開始しました",
		slog.String("exchange", c.cfg.Exchange),
		slog.String("reply_queue", q.Name),
	)
	return deliveries, nil
}

// run は応答を振り分け、応答ストリームが切れた場合は再接続する。
func (c *Client) run(ctx context.Context, deliveries <-chan amqp091.Delivery) {
	defer c.wg.Done()
	for {
		err := c.dispatchLoop(ctx, deliveries)
		if err == nil {
			return
		}
		c.markDown(err)
		if errors.Is(err, context.Canceled) {
			c.logger.Info("サブドメイン応答の受信を停止しました")
			return
		}
		if !errors.Is(err, errReplyStreamClosed) || c.connect == nil {
			c.logger.Error("サブドメイン応答の受信を停止しました", slog.String("error", err.Error()))
			return
		}

		c.logger.Error("サブドメイン応答のストリームが切断されました。再接続します")
		var ok bool
		deliveries, ok = c.reconnect(ctx)
		if !ok {
			return
		}
	}
}

// reconnect は指数バックオフでブローカーに再接続する。
// ctxのキャンセルまたはCloseで中断した場合はfalseを返す。
func (c *Client) reconnect(ctx context.Context) (<-chan amqp091.Delivery, bool) {
	delay := c.reconnectMin
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-c.closed:
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		deliveries, err := c.redial()
		if err == nil {
			c.logger.Info("サブドメイン応答の受信を再開しました", slog.Int("attempt", attempt))
			return deliveries, true
		}
		if errors.Is(err, ErrClientClosed) {
			return nil, false
		}
		c.logger.Warn("ブローカーへの再接続に失敗しました",
			slog.Int("attempt", attempt),
			slog.Duration("next_delay", delay),
			slog.String("error", err.Error()),
		)

		delay *= 2
		if delay > c.reconnectMax {
			delay = c.reconnectMax
		}
	}
}

// redial は新しい接続に差し替えて受信を再開する。
func (c *Client) redial() (<-chan amqp091.Delivery, error) {
	ch, conn, err := c.connect()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		closeQuietly(ch, conn)
		return nil, ErrClientClosed
	default:
	}
	oldCh, oldConn := c.ch, c.conn
	c.ch, c.conn = ch, conn
	c.mu.Unlock()

	// 切断済みの接続のクローズエラーは無視する
	closeQuietly(oldCh, oldConn)

	return c.subscribe()
}

func closeQuietly(closers ...io.Closer) {
	for _, cl := range closers {
		if cl != nil {
			cl.Close()
		}
	}
}

// markDown は応答の受信停止を記録し、待機中のAwaitReplyを解放する。
func (c *Client) markDown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.downErr != nil {
		return
	}
	c.downErr = err
	if c.down != nil {
		close(c.down)
	}
}

// PingContext は応答を受信できる状態かを返す。ヘルスチェックに使用する。
func (c *Client) PingContext(context.Context) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return fmt.Errorf("subdomain client not started")
	}
	if c.downErr != nil {
		return fmt.Errorf("%w: %v", ErrReplyConsumerDown, c.downErr)
	}
	return nil
}

// RequestContent はバンドルのコンテンツ生成をカテゴリを所有するサブドメインに依頼する。
// 応答の取りこぼしを防ぐため、発行前に待機先を登録する。
func (c *Client) RequestContent(ctx context.Context, bundle *model.Bundle) (Session, error) {
	select {
	case <-c.closed:
		return Session{}, ErrClientClosed
	default:
	}

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return Session{}, fmt.Errorf("subdomain client not started")
	}
	if c.downErr != nil {
		err := c.downErr
		c.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %v", ErrReplyConsumerDown, err)
	}
	ch := c.ch
	replyQueue := c.replyQueue
	session := Session{ID: c.newID(), BundleID: bundle.ID, Origin: bundle.Origin}
	c.waiters[session.ID] = make(chan contentReply, 1)
	c.mu.Unlock()

	body, err := json.Marshal(contentRequest{
		SessionID:       session.ID,
		BundleID:        bundle.ID,
		Recipient:       bundle.Recipient.String(),
		Origin:          string(bundle.Origin),
		ContentType:     bundle.ContentType,
		NotificationIDs: bundle.NotificationIDs,
	})
	if err != nil {
		c.unregister(session.ID)
		return Session{}, fmt.Errorf("marshal content request: %w", err)
	}

	err = ch.PublishWithContext(ctx, c.cfg.Exchange, RoutingKey(bundle.Origin), false, false, amqp091.Publishing{
		ContentType:   "application/json",
		CorrelationId: session.ID,
		ReplyTo:       replyQueue,
		MessageId:     bundle.ID,
		Timestamp:     time.Now().UTC(),
		Body:          body,
	})
	if err != nil {
		c.unregister(session.ID)
		return Session{}, fmt.Errorf("publish content request: %w", err)
	}

	return session, nil
}

// AwaitReply はセッションへの応答を最大timeoutだけ待つ。
// タイムアウト、失敗の報告、カテゴリ不一致の場合はfalseを返す。
// 待機を終えたセッションは破棄され、以降に届いた応答は捨てられる。
func (c *Client) AwaitReply(ctx context.Context, session Session, origin model.DomainOrigin, timeout time.Duration) (string, bool) {
	c.mu.Lock()
	waiter, ok := c.waiters[session.ID]
	down := c.down
	c.mu.Unlock()
	if !ok {
		return "", false
	}
	defer c.unregister(session.ID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var reply contentReply
	select {
	case reply = <-waiter:
	case <-timer.C:
		c.logger.Warn("サブドメインからの応答がタイムアウトしました",
			slog.String("session_id", session.ID),
			slog.String("bundle_id", session.BundleID),
			slog.Duration("timeout", timeout),
		)
		return "", false
	case <-ctx.Done():
		return "", false
	case <-c.closed:
		return "", false
	case <-down:
		c.logger.Warn("応答の受信が停止したため待機を中断しました",
			slog.String("session_id", session.ID),
			slog.String("bundle_id", session.BundleID),
		)
		return "", false
	}

	if reply.FailureReason != "" {
		c.logger.Warn("サブドメインがコンテンツ生成の失敗を報告しました",
			slog.String("session_id", session.ID),
			slog.String("bundle_id", session.BundleID),
			slog.String("reason", reply.FailureReason),
		)
		return "", false
	}
	if reply.Origin != "" && !strings.EqualFold(reply.Origin, string(origin)) {
		c.logger.Warn("応答のカテゴリが依頼と一致しません",
			slog.String("session_id", session.ID),
			slog.String("want", string(origin)),
			slog.String("got", reply.Origin),
		)
		return "", false
	}
	if reply.ContentRef == "" {
		return "", false
	}
	return reply.ContentRef, true
}

// Close は応答の受信を停止し、チャネルと接続を閉じる。待機中のAwaitReplyはfalseを返す。
func (c *Client) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closed)
		ch, conn := c.ch, c.conn
		c.mu.Unlock()

		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
		if conn != nil {
			if err := conn.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	c.wg.Wait()
	return errors.Join(errs...)
}

// dispatchLoop は応答を待機中のセッションへ振り分ける。
// Closeで終了した場合はnil、それ以外は停止理由を返す。
func (c *Client) dispatchLoop(ctx context.Context, deliveries <-chan amqp091.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		case d, ok := <-deliveries:
			if !ok {
				select {
				case <-c.closed:
					return nil
				default:
				}
				return errReplyStreamClosed
			}
			c.dispatch(d)
		}
	}
}

func (c *Client) dispatch(d amqp091.Delivery) {
	var reply contentReply
	if err := json.Unmarshal(d.Body, &reply); err != nil {
		c.logger.Warn("サブドメイン応答の解析に失敗しました",
			slog.String("error", err.Error()),
			slog.String("correlation_id", d.CorrelationId),
		)
		return
	}

	sessionID := d.CorrelationId
	if sessionID == "" {
		sessionID = reply.SessionID
	}

	c.mu.Lock()
	waiter, ok := c.waiters[sessionID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("待機していないセッションへの応答を破棄しました",
			slog.String("session_id", sessionID),
			slog.String("bundle_id", reply.BundleID),
		)
		return
	}

	select {
	case waiter <- reply:
	default:
		// 同一セッションへの重複応答。最初の応答を優先する。
	}
}

func (c *Client) unregister(sessionID string) {
	c.mu.Lock()
	delete(c.waiters, sessionID)
	c.mu.Unlock()
}

// pending は待機中のセッション数を返す。
func (c *Client) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// RoutingKey はカテゴリに対応する依頼のルーティングキーを返す。
func RoutingKey(origin model.DomainOrigin) string {
	return "content." + strings.ToLower(string(origin))
}
