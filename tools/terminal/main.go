package main

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli"
)

// Message mirrors the server's wire envelope.
type Message struct {
	Name string        `json:"name"`
	Args []interface{} `json:"args"`
}

// state is the persisted terminal configuration. Not authoritative for the
// server; purely operator convenience.
type state struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func main() {
	app := cli.NewApp()
	app.Name = "arena-terminal"
	app.Usage = "operator terminal for the arena server"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "ip", Value: "127.0.0.1", Usage: "server address"},
		cli.IntFlag{Name: "port", Value: 7097, Usage: "terminal port"},
		cli.StringFlag{Name: "token,t", Usage: "terminal token (32 characters)"},
		cli.StringFlag{Name: "state,s", Value: "terminal.json", Usage: "path of the persisted ip/port state"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "arena-terminal: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	statePath := c.String("state")
	st := state{IP: c.String("ip"), Port: c.Int("port")}
	if saved, err := loadState(statePath); err == nil {
		if !c.IsSet("ip") && saved.IP != "" {
			st.IP = saved.IP
		}
		if !c.IsSet("port") && saved.Port != 0 {
			st.Port = saved.Port
		}
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(st.IP, strconv.Itoa(st.Port)))
	if err != nil {
		return fmt.Errorf("connecting to %s:%d: %v", st.IP, st.Port, err)
	}
	defer conn.Close()

	if err := send(conn, &Message{Name: "token", Args: []interface{}{c.String("token")}}); err != nil {
		return err
	}
	reply, err := receive(conn)
	if err != nil {
		return err
	}
	if reply.Name != "init" {
		return fmt.Errorf("handshake rejected: %s", reply.Name)
	}
	fmt.Printf("Connected to %s:%d\n", st.IP, st.Port)
	fmt.Println("Commands: status, newGame [opts...], startGame, waitForFinish, exit, help")
	fmt.Println("Local: set-ip <ip> [-s], set-port <port> [-s], quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return nil
		}
		fields := strings.Fields(strings.TrimSpace(scanner.Text()))
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit":
			return nil
		case "set-ip", "set-port":
			if err := handleSet(fields, &st, statePath); err != nil {
				fmt.Println(err)
			}
			continue
		}

		args := make([]interface{}, 0, len(fields)-1)
		for _, f := range fields[1:] {
			args = append(args, f)
		}
		msg := &Message{Name: "command", Args: []interface{}{fields[0], args}}
		if err := send(conn, msg); err != nil {
			return fmt.Errorf("send failed: %v", err)
		}
		reply, err := receive(conn)
		if err != nil {
			return fmt.Errorf("connection lost: %v", err)
		}
		printReport(reply)
	}
}

// handleSet updates the local target; with -s the new state is persisted.
func handleSet(fields []string, st *state, path string) error {
	if len(fields) < 2 {
		return fmt.Errorf("usage: %s <value> [-s]", fields[0])
	}
	persist := len(fields) > 2 && fields[2] == "-s"
	switch fields[0] {
	case "set-ip":
		st.IP = fields[1]
	case "set-port":
		port, err := strconv.Atoi(fields[1])
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port %q", fields[1])
		}
		st.Port = port
	}
	fmt.Println("Set. Takes effect on the next connection.")
	if persist {
		if err := saveState(path, st); err != nil {
			return fmt.Errorf("persisting state: %v", err)
		}
		fmt.Printf("Saved to %s\n", path)
	}
	return nil
}

func printReport(msg *Message) {
	if msg.Name != "report" || len(msg.Args) == 0 {
		fmt.Printf("%s %v\n", msg.Name, msg.Args)
		return
	}
	if lines, ok := msg.Args[0].([]interface{}); ok {
		for _, line := range lines {
			fmt.Println(line)
		}
		return
	}
	fmt.Println(msg.Args[0])
}

func loadState(path string) (state, error) {
	var st state
	data, err := os.ReadFile(path)
	if err != nil {
		return st, err
	}
	err = json.Unmarshal(data, &st)
	return st, err
}

func saveState(path string, st *state) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// send writes msg as one length-prefixed JSON frame.
func send(conn net.Conn, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	_, err = conn.Write(frame)
	return err
}

// receive reads one length-prefixed JSON frame.
func receive(conn net.Conn) (*Message, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return nil, err
	}
	payload := make([]byte, binary.BigEndian.Uint32(lenBuf))
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	msg := &Message{}
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
