/*Command wmctl is a minimal interactive demo client for wavemeterd,
grounded in original_source/manual_server_test.py's VirtualSocket
command loop: read a control flag + 3-letter command + arguments from
stdin, encode them as a wireproto.Message, send them, and print any
replies the server sends back, until the user quits.
*/
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/RemoteEntanglement/Wavemeter-Server/wireproto"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9010", "wavemeterd address")
	name := flag.String("name", "wmctl", "client name to register with CON")
	flag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		log.Fatalf("wmctl: could not connect to %s: %v", *addr, err)
	}
	defer conn.Close()

	go printReplies(conn)

	if err := wireproto.WriteMessage(conn, wireproto.New(wireproto.Control, "CON", wireproto.Str(*name))); err != nil {
		log.Fatalf("wmctl: CON failed: %v", err)
	}

	fmt.Println("wmctl connected to", *addr, "as", *name)
	fmt.Println("enter commands as <flag><CMD> [args...], e.g. CUON Ch1  or  DTFR Ch1 300.5")
	fmt.Println("type 'quit' to exit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" {
			return
		}
		msg, err := parseLine(line)
		if err != nil {
			fmt.Println("wmctl:", err)
			continue
		}
		if err := wireproto.WriteMessage(conn, msg); err != nil {
			fmt.Println("wmctl: send failed:", err)
		}
	}
}

// parseLine turns "CUON Ch1" into a Message{Flag:'C', Command:"UON",
// Data:[Str("Ch1")]}. Numeric-looking arguments are sent as floats;
// everything else is sent as a string, matching the commands that take
// only string channel-name arguments.
func parseLine(line string) (wireproto.Message, error) {
	if len(line) < 4 {
		return wireproto.Message{}, fmt.Errorf("need at least a flag and 3-letter command, got %q", line)
	}
	flagCh := line[0]
	if flagCh != 'C' && flagCh != 'D' {
		return wireproto.Message{}, fmt.Errorf("flag must be C or D, got %q", string(flagCh))
	}
	rest := line[1:]
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return wireproto.Message{}, fmt.Errorf("missing command")
	}
	command := fields[0]
	args := fields[1:]

	data := make([]wireproto.Value, 0, len(args))
	for _, a := range args {
		if f, err := strconv.ParseFloat(a, 64); err == nil {
			data = append(data, wireproto.Float(f))
		} else {
			data = append(data, wireproto.Str(a))
		}
	}
	return wireproto.New(flagCh, command, data...), nil
}

func printReplies(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		msg, err := wireproto.ReadMessage(r)
		if err != nil {
			fmt.Println("wmctl: connection closed:", err)
			return
		}
		fmt.Printf("< %c %s %v\n", msg.Flag, msg.Command, renderValues(msg.Data))
	}
}

func renderValues(vs []wireproto.Value) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		if s, err := v.AsString(); err == nil {
			out[i] = s
			continue
		}
		if f, err := v.AsFloat(); err == nil {
			out[i] = strconv.FormatFloat(f, 'g', -1, 64)
			continue
		}
		if n, err := v.AsInt(); err == nil {
			out[i] = strconv.Itoa(n)
			continue
		}
		if b, err := v.AsBool(); err == nil {
			out[i] = strconv.FormatBool(b)
			continue
		}
		out[i] = "<list>"
	}
	return out
}
