package main

import (
	"bufio"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/ioutil"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/conversation"
	"github.com/mqy/minichat/objstore"
	"github.com/mqy/minichat/push"
	"github.com/mqy/minichat/recorder"
	"github.com/mqy/minichat/store"
)

// The demo client chats in one complaint from a terminal. Lines are sent as
// messages, lines starting with `/` are commands, see `/help`. While
// recording, typed lines are captured as audio chunks.

var (
	flagMysqlDsn     = flag.String("mysql-dsn", "root:@tcp(127.0.0.1:3306)/minichat?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci", "mysql server dsn")
	flagPush         = flag.String("push", "ws", "push channel: kafka or ws")
	flagServerUrl    = flag.String("server-url", "http://127.0.0.1:8000", "minichat server, serves /ws and /objects/")
	flagKafkaBrokers = flag.String("kafka-brokers", "127.0.0.1:9092", "comma separated kafka brokers")
	flagKafkaTopic   = flag.String("kafka-topic", "minichat-events", "kafka topic of message insert events")
	flagUid          = flag.String("uid", "", "user id")
	flagRole         = flag.String("role", string(chatstore.RoleParticipant), "participant or admin")
	flagConversation = flag.String("conversation", "", "complaint id to open")
)

const help = `/open <id>     open another complaint
/file <path>   attach a file to the next message
/clear         drop the pending attachment
/rec           start recording, typed lines are captured until /stop or /cancel
/stop          finish recording, it becomes the pending attachment
/cancel        discard the recording
/send          send the pending attachment without text
/inbox         list complaints having messages (admin)
/status <s>    set complaint status: open, in_progress, resolved, closed (admin)
/info          show controller status
/quit`

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if *flagUid == "" {
		return errorf("--uid is required")
	}
	role := chatstore.SenderRole(*flagRole)
	if role != chatstore.RoleAdmin && role != chatstore.RoleParticipant {
		return errorf("--role: expect admin or participant")
	}
	if *flagConversation == "" {
		return errorf("--conversation is required")
	}

	db, err := sql.Open("mysql", *flagMysqlDsn)
	if err != nil {
		return errorf("sql.Open error, dsn: %s, err: %v", *flagMysqlDsn, err)
	}
	defer db.Close()

	brokers := strings.Split(*flagKafkaBrokers, ",")
	publisher := push.NewKafkaPublisher(brokers, *flagKafkaTopic)
	defer publisher.Close()

	cookie := fmt.Sprintf("x-uid=%s; x-role=%s", *flagUid, role)
	header := map[string][]string{"Cookie": {cookie}}

	var channel push.IPushChannel
	switch *flagPush {
	case "kafka":
		kc := push.NewKafkaChannel(brokers, *flagKafkaTopic, "minichat-demo-"+*flagUid)
		kc.Start(context.Background())
		defer kc.Close()
		channel = kc
	case "ws":
		channel = &push.WsChannel{
			URL:    "ws" + strings.TrimPrefix(strings.TrimRight(*flagServerUrl, "/"), "http") + "/ws",
			Header: header,
		}
	default:
		return errorf("--push: expect kafka or ws")
	}

	mic := &recorder.ChanDevice{Source: make(chan []byte), Type: "audio/webm"}
	c := conversation.New(&conversation.Config{
		Records:    store.NewMysqlStore(db, publisher),
		Channel:    channel,
		Objects:    &objstore.Client{BaseURL: *flagServerUrl, Header: header},
		Identity:   &auth.Static{User: &auth.User{Id: *flagUid, Role: role}},
		Microphone: mic,
		RecorderConfig: recorder.Config{OnTick: func(elapsed int) {
			if elapsed%5 == 0 {
				fmt.Printf("  (recording %ds)\n", elapsed)
			}
		}},
		OnDegraded: func(conversationId string, err error) {
			fmt.Printf("! live updates lost for %s: %v, /open to reconnect\n", conversationId, err)
		},
	})
	defer c.Close()

	p := newPrinter(c)
	defer c.Observe(p.changed)()
	go p.loop()
	defer p.stop()

	ctx := context.Background()
	if err := c.Activate(ctx, *flagConversation); err != nil {
		return errorf("open %s: %v", *flagConversation, err)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "/") {
			if c.Status().Recording == recorder.StateRecording {
				mic.Source <- []byte(line + "\n")
				continue
			}
			report(c.SendPending(ctx, line))
			continue
		}

		cmd, arg := line, ""
		if i := strings.IndexByte(line, ' '); i > 0 {
			cmd, arg = line[:i], strings.TrimSpace(line[i+1:])
		}
		switch cmd {
		case "/quit":
			return 0
		case "/help":
			fmt.Println(help)
		case "/open":
			p.reset()
			if err := c.Activate(ctx, arg); err != nil {
				fmt.Printf("! open %s: %v\n", arg, err)
			}
		case "/file":
			data, err := ioutil.ReadFile(arg)
			if err != nil {
				fmt.Printf("! %v\n", err)
				continue
			}
			ct := mime.TypeByExtension(filepath.Ext(arg))
			if pending, err := c.PickAttachment(filepath.Base(arg), ct, data); err != nil {
				fmt.Printf("! %v\n", err)
			} else {
				fmt.Printf("  attached %s\n", pending)
			}
		case "/clear":
			c.ClearAttachment()
		case "/rec":
			if err := c.StartRecording(ctx); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "/stop":
			if pending, err := c.StopRecording(); err != nil {
				fmt.Printf("! %v\n", err)
			} else {
				fmt.Printf("  recorded %s\n", pending)
			}
		case "/cancel":
			c.CancelRecording()
		case "/send":
			report(c.SendPending(ctx, ""))
		case "/inbox":
			list, err := c.Inbox(ctx)
			if err != nil {
				fmt.Printf("! %v\n", err)
				continue
			}
			for _, v := range list {
				fmt.Printf("  %s  %-12s %s (%s)\n", v.Id, v.Status, v.Title, v.UpdateTime.Local().Format(time.Stamp))
			}
		case "/status":
			if err := c.SetStatus(ctx, chatstore.Status(arg)); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "/info":
			fmt.Printf("  %+v\n", *c.Status())
		default:
			fmt.Println(help)
		}
	}
	return 0
}

func report(m *chatstore.Message, err error) {
	if err == nil {
		return
	}
	switch conversation.OutcomeOf(err) {
	case conversation.OutcomeUploadFailed:
		fmt.Printf("! upload failed, attach and send again: %v\n", err)
	case conversation.OutcomePersistFailed:
		fmt.Printf("! message not saved, send again: %v\n", err)
	default:
		fmt.Printf("! %v\n", err)
	}
}

// printer renders new messages of the thread outside of store callbacks.
type printer struct {
	c       *conversation.Controller
	notifyC chan struct{}
	stopC   chan struct{}
	printed map[string]bool
	resetC  chan struct{}
}

func newPrinter(c *conversation.Controller) *printer {
	return &printer{
		c:       c,
		notifyC: make(chan struct{}, 1),
		stopC:   make(chan struct{}),
		resetC:  make(chan struct{}, 1),
		printed: make(map[string]bool),
	}
}

func (p *printer) changed() {
	select {
	case p.notifyC <- struct{}{}:
	default:
	}
}

func (p *printer) reset() {
	select {
	case p.resetC <- struct{}{}:
	default:
	}
}

func (p *printer) stop() {
	close(p.stopC)
}

func (p *printer) loop() {
	for {
		select {
		case <-p.stopC:
			return
		case <-p.resetC:
			p.printed = make(map[string]bool)
		case <-p.notifyC:
			for _, m := range p.c.Messages() {
				if p.printed[m.Id] {
					continue
				}
				p.printed[m.Id] = true
				p.print(m)
			}
		}
	}
}

func (p *printer) print(m *chatstore.Message) {
	name, err := p.c.SenderName(context.Background(), m.SenderId)
	if err != nil || name == "" {
		name = string(m.SenderRole)
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreateTime.Local().Format(time.Kitchen), name, m.Body)
	if a := m.Attachment; a != nil {
		line += fmt.Sprintf(" <%s %s>", a.Kind, a.URL)
	}
	fmt.Println(line)
}

func errorf(format string, args ...interface{}) int {
	glog.Errorf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return 1
}
