// upnp-test UPnP/IGD 端口映射诊断节点
package main

func main() {
	Execute()
}
